package models

import (
	"sort"
	"strings"
)

// Student is one persisted roster entry. ClassName holds the class observed in
// the most recent import that touched the row.
type Student struct {
	ID        int64  `db:"id" json:"id"`
	Surname   string `db:"surname" json:"surname"`
	FirstName string `db:"firstname" json:"first_name"`
	ClassName string `db:"classname" json:"class_name"`
	BirthDate Date   `db:"birthday" json:"birth_date"`
	Email     string `db:"email" json:"email,omitempty"`
	GUID      string `db:"guid" json:"guid,omitempty"`
	Username  string `db:"username" json:"username"`
	Password  string `db:"password" json:"password,omitempty"`
	Courses   string `db:"courses" json:"courses,omitempty"`
}

// SamePerson reports whether both values describe the same person. A GUID on
// both sides decides alone; otherwise surname, first name and birthdate must match.
func (s Student) SamePerson(other Student) bool {
	if s.GUID != "" && other.GUID != "" {
		return strings.EqualFold(s.GUID, other.GUID)
	}
	return s.Surname == other.Surname && s.FirstName == other.FirstName && s.BirthDate.Equal(other.BirthDate.Time)
}

// Less orders students by class, surname, first name and birthdate.
func (s Student) Less(other Student) bool {
	if s.ClassName != other.ClassName {
		return s.ClassName < other.ClassName
	}
	if s.Surname != other.Surname {
		return s.Surname < other.Surname
	}
	if s.FirstName != other.FirstName {
		return s.FirstName < other.FirstName
	}
	return s.BirthDate.Before(other.BirthDate.Time)
}

// CourseList splits the comma separated course column.
func (s Student) CourseList() []string {
	if strings.TrimSpace(s.Courses) == "" {
		return nil
	}
	parts := strings.Split(s.Courses, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SortStudents sorts in export order.
func SortStudents(students []Student) {
	sort.SliceStable(students, func(i, j int) bool { return students[i].Less(students[j]) })
}

// StudentFilter narrows directory searches.
type StudentFilter struct {
	Pattern  string
	Page     int
	PageSize int
}

// StudentHistory is a student with the derived enrollment window and class timeline.
type StudentHistory struct {
	Student   Student            `json:"student"`
	EntryDate Date               `json:"entry_date"`
	ExitDate  Date               `json:"exit_date"`
	Imports   []Import           `json:"imports"`
	Classes   []ClassObservation `json:"classes"`
}

// ClassObservation is the class a student was listed in for one import.
type ClassObservation struct {
	ImportID   int64  `db:"import_id" json:"import_id"`
	ImportedAt Date   `db:"imported_at" json:"imported_at"`
	ClassName  string `db:"classname" json:"class_name"`
}
