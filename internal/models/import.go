package models

import "time"

// Import is one ingestion of a full roster.
type Import struct {
	ID         int64     `db:"id" json:"id"`
	Filename   string    `db:"filename" json:"filename"`
	ImportedAt time.Time `db:"imported_at" json:"imported_at"`
	Students   int       `db:"students" json:"students,omitempty"`
}

// Membership binds a student to an import together with the class seen in that import.
type Membership struct {
	StudentID int64  `db:"student_id" json:"student_id"`
	ImportID  int64  `db:"import_id" json:"import_id"`
	ClassName string `db:"classname" json:"class_name"`
}

// ClassChange records the class a student left when an import moved them.
type ClassChange struct {
	ID           int64  `db:"id" json:"id"`
	StudentID    int64  `db:"student_id" json:"student_id"`
	ImportID     int64  `db:"import_id" json:"import_id"`
	OldClassName string `db:"old_classname" json:"old_class_name"`
}

// ImportRecord is one named-field row handed over by a parser.
type ImportRecord struct {
	Line      int    `json:"line"`
	Surname   string `json:"surname" validate:"required,max=100"`
	FirstName string `json:"first_name" validate:"required,max=100"`
	ClassName string `json:"class_name" validate:"required,max=32"`
	BirthDate Date   `json:"birth_date"`
	GUID      string `json:"guid,omitempty"`
	Email     string `json:"email,omitempty"`
	Courses   string `json:"courses,omitempty"`
	Username  string `json:"username,omitempty"`
	Deleted   bool   `json:"deleted,omitempty"`
	Teacher   bool   `json:"teacher,omitempty"`
	New       bool   `json:"new,omitempty"`
}

// ImportState is a stage of the import state machine.
type ImportState string

const (
	ImportStateIdle        ImportState = "IDLE"
	ImportStateParsing     ImportState = "PARSING"
	ImportStateReconciling ImportState = "RECONCILING"
	ImportStateCommitted   ImportState = "COMMITTED"
	ImportStateFailed      ImportState = "FAILED"
)

// ImportResult summarises one import run.
type ImportResult struct {
	ImportID    int64       `json:"import_id"`
	Source      string      `json:"source"`
	State       ImportState `json:"state"`
	Total       int         `json:"total"`
	Succeeded   int         `json:"succeeded"`
	Failed      int         `json:"failed"`
	Skipped     int         `json:"skipped"`
	Inserted    int         `json:"inserted"`
	Transferred int         `json:"transferred"`
	Regenerated int         `json:"regenerated"`
	Duplicates  []string    `json:"duplicates,omitempty"`
	Error       string      `json:"error,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	FinishedAt  time.Time   `json:"finished_at"`
}

// ProgressFunc receives the index of the record being reconciled and the total.
type ProgressFunc func(index, total int)

// ReconcileOutcome describes what reconciling a single record did.
type ReconcileOutcome struct {
	StudentID   int64
	Inserted    bool
	Transferred bool
	Regenerated bool
	Rebound     bool
	Renamed     bool
}
