package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDateScan(t *testing.T) {
	var d Date
	require.NoError(t, d.Scan("2001-05-17"))
	assert.Equal(t, "2001-05-17", d.String())

	require.NoError(t, d.Scan([]byte("2001-05-18T00:00:00Z")))
	assert.Equal(t, "2001-05-18", d.String())

	require.NoError(t, d.Scan(time.Date(2001, 5, 19, 13, 0, 0, 0, time.Local)))
	assert.Equal(t, "2001-05-19", d.String())

	require.NoError(t, d.Scan(nil))
	assert.True(t, d.IsZero())

	assert.Error(t, d.Scan(42))
}

func TestDateJSON(t *testing.T) {
	payload, err := json.Marshal(struct {
		D Date `json:"d"`
	}{NewDate(2000, 1, 2)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"d":"2000-01-02"}`, string(payload))

	var back struct {
		D Date `json:"d"`
	}
	require.NoError(t, json.Unmarshal(payload, &back))
	assert.True(t, back.D.Equal(NewDate(2000, 1, 2).Time))
}

func TestSamePerson(t *testing.T) {
	alice := Student{Surname: "Schmidt", FirstName: "Alice", BirthDate: NewDate(2005, 3, 1)}
	twin := alice
	assert.True(t, alice.SamePerson(twin))

	alice.GUID = "3f1c2a4e-0000-4000-8000-000000000001"
	twin.GUID = "3f1c2a4e-0000-4000-8000-000000000002"
	assert.False(t, alice.SamePerson(twin), "different GUIDs are different people")

	renamed := Student{Surname: "Meier", FirstName: "Alice", GUID: "3F1C2A4E-0000-4000-8000-000000000001"}
	assert.True(t, alice.SamePerson(renamed))
}

func TestSortStudents(t *testing.T) {
	list := []Student{
		{ClassName: "IFA12", Surname: "Abel"},
		{ClassName: "IFA11", Surname: "Zorn"},
		{ClassName: "IFA11", Surname: "Berg", FirstName: "Tom"},
		{ClassName: "IFA11", Surname: "Berg", FirstName: "Ann"},
	}
	SortStudents(list)

	got := make([]string, 0, len(list))
	for _, s := range list {
		got = append(got, s.ClassName+"/"+s.Surname+"/"+s.FirstName)
	}
	assert.Equal(t, []string{"IFA11/Berg/Ann", "IFA11/Berg/Tom", "IFA11/Zorn/", "IFA12/Abel/"}, got)
}

func TestCourseList(t *testing.T) {
	s := Student{Courses: "Mathe, Englisch,,Sport "}
	assert.Equal(t, []string{"Mathe", "Englisch", "Sport"}, s.CourseList())
	assert.Nil(t, Student{}.CourseList())
}

func TestChangeSetHelpers(t *testing.T) {
	cs := NewChangeSet(1, 2)
	assert.True(t, cs.IsEmpty())

	cs.StudentsAdded = append(cs.StudentsAdded, Student{ClassName: "9A", Surname: "Carol"})
	cs.StudentsChanged = append(cs.StudentsChanged, StudentChange{Student: Student{ClassName: "9B", Surname: "Alice"}, OldClassName: "9A", NewClassName: "9B"})
	assert.False(t, cs.IsEmpty())

	combined := cs.AddedAndChanged()
	require.Len(t, combined, 2)
	assert.Equal(t, "Carol", combined[0].Surname)
}

func TestExportJobParamsRoundTrip(t *testing.T) {
	old := int64(3)
	params := ExportJobParams{OldImportID: &old}
	raw, err := params.Value()
	require.NoError(t, err)

	var back ExportJobParams
	require.NoError(t, back.Scan(raw))
	require.NotNil(t, back.OldImportID)
	assert.EqualValues(t, 3, *back.OldImportID)
	assert.Nil(t, back.NewImportID)

	var files StringList
	require.NoError(t, files.Scan(`["a.csv","b.csv"]`))
	assert.Equal(t, StringList{"a.csv", "b.csv"}, files)
	assert.True(t, ExportFormatMoodle.Valid())
	assert.False(t, ExportFormat("sso").Valid())
}
