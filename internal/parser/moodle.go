package parser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MoodleUser is one line of a Moodle bulk user download.
type MoodleUser struct {
	Username  string
	Email     string
	FirstName string
	LastName  string
}

// ReadMoodleUsers parses the comma separated bulk download of Moodle user accounts.
// The first line names the columns; username, email, firstname and lastname are required.
func ReadMoodleUsers(r io.Reader) ([]MoodleUser, error) {
	reader := csv.NewReader(stripBOM(r))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read moodle header: %w", err)
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range []string{"username", "email", "firstname", "lastname"} {
		if _, ok := columns[name]; !ok {
			return nil, fmt.Errorf("moodle user list lacks column %s", name)
		}
	}

	var users []MoodleUser
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return users, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read moodle user list: %w", err)
		}
		get := func(name string) string {
			if i := columns[name]; i < len(row) {
				return strings.TrimSpace(row[i])
			}
			return ""
		}
		users = append(users, MoodleUser{
			Username:  strings.ToLower(get("username")),
			Email:     get("email"),
			FirstName: get("firstname"),
			LastName:  get("lastname"),
		})
	}
}
