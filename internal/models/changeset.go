package models

// ChangeSet is the difference between two imports. A student appears in at
// most one of the added, removed and changed lists.
type ChangeSet struct {
	OldImportID     int64           `json:"old_import_id"`
	NewImportID     int64           `json:"new_import_id"`
	FullSnapshot    bool            `json:"full_snapshot"`
	StudentsAdded   []Student       `json:"students_added"`
	StudentsRemoved []Student       `json:"students_removed"`
	StudentsChanged []StudentChange `json:"students_changed"`
	ClassesAdded    []string        `json:"classes_added"`
	ClassesRemoved  []string        `json:"classes_removed"`
}

// StudentChange is a student whose class differs between the two imports.
type StudentChange struct {
	Student
	OldClassName string `json:"old_class_name"`
	NewClassName string `json:"new_class_name"`
}

// NewChangeSet returns an empty change set with non-nil slices.
func NewChangeSet(oldID, newID int64) *ChangeSet {
	return &ChangeSet{
		OldImportID:     oldID,
		NewImportID:     newID,
		StudentsAdded:   []Student{},
		StudentsRemoved: []Student{},
		StudentsChanged: []StudentChange{},
		ClassesAdded:    []string{},
		ClassesRemoved:  []string{},
	}
}

// IsEmpty reports whether nothing changed.
func (c *ChangeSet) IsEmpty() bool {
	return c == nil || (len(c.StudentsAdded) == 0 && len(c.StudentsRemoved) == 0 &&
		len(c.StudentsChanged) == 0 && len(c.ClassesAdded) == 0 && len(c.ClassesRemoved) == 0)
}

// AddedAndChanged returns added students followed by transferred ones in export order.
func (c *ChangeSet) AddedAndChanged() []Student {
	out := make([]Student, 0, len(c.StudentsAdded)+len(c.StudentsChanged))
	out = append(out, c.StudentsAdded...)
	for _, ch := range c.StudentsChanged {
		out = append(out, ch.Student)
	}
	SortStudents(out)
	return out
}
