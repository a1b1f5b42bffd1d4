package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/bbss-go/bbss/internal/models"
)

const studentColumns = `s.id, s.surname, s.firstname, s.classname, s.birthday, s.email, s.guid, s.username, s.password, s.courses`

// SnapshotRepository persists imports, students and their memberships.
// It is the single writer of the student store: imports and purges serialize on it.
type SnapshotRepository struct {
	db     *sqlx.DB
	writer sync.Mutex
}

// NewSnapshotRepository constructs the repository.
func NewSnapshotRepository(db *sqlx.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// Exclusive runs fn while holding the writer lock. No purge can start while fn runs.
func (r *SnapshotRepository) Exclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	r.writer.Lock()
	defer r.writer.Unlock()
	return fn(ctx)
}

// SnapshotTx groups the writes reconciling a single record.
type SnapshotTx struct {
	tx *sqlx.Tx
}

// RunInTx executes fn in one transaction, committing when fn returns nil.
func (r *SnapshotRepository) RunInTx(ctx context.Context, fn func(tx *SnapshotTx) error) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&SnapshotTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot transaction: %w", err)
	}
	return nil
}

// FindByGUID returns the student carrying the durable identifier, or nil.
// Identifiers compare case-insensitively.
func (t *SnapshotTx) FindByGUID(ctx context.Context, guid string) (*models.Student, error) {
	if guid == "" {
		return nil, nil
	}
	query := t.tx.Rebind(`SELECT ` + studentColumns + ` FROM students s WHERE LOWER(s.guid) = LOWER(?) ORDER BY s.id ASC LIMIT 1`)
	return t.getStudent(ctx, "find student by guid", query, guid)
}

// FindByIdentity looks a student up by surname, first name and birthdate.
// Rows without a durable identifier are preferred.
func (t *SnapshotTx) FindByIdentity(ctx context.Context, surname, firstName string, birthDate models.Date) (*models.Student, error) {
	query := t.tx.Rebind(`SELECT ` + studentColumns + ` FROM students s
WHERE s.surname = ? AND s.firstname = ? AND s.birthday = ?
ORDER BY (s.guid <> '') ASC, s.id ASC LIMIT 1`)
	return t.getStudent(ctx, "find student by identity", query, surname, firstName, birthDate)
}

func (t *SnapshotTx) getStudent(ctx context.Context, op, query string, args ...interface{}) (*models.Student, error) {
	var student models.Student
	if err := t.tx.GetContext(ctx, &student, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &student, nil
}

// InsertStudent stores a new student and assigns its ID.
func (t *SnapshotTx) InsertStudent(ctx context.Context, s *models.Student) error {
	query := t.tx.Rebind(`INSERT INTO students (surname, firstname, classname, birthday, email, guid, username, password, courses)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)
	if err := t.tx.QueryRowxContext(ctx, query,
		s.Surname, s.FirstName, s.ClassName, s.BirthDate, s.Email, s.GUID, s.Username, s.Password, s.Courses,
	).Scan(&s.ID); err != nil {
		return fmt.Errorf("insert student: %w", err)
	}
	return nil
}

// UpdateStudent writes every mutable column of s.
func (t *SnapshotTx) UpdateStudent(ctx context.Context, s models.Student) error {
	query := t.tx.Rebind(`UPDATE students
SET surname = ?, firstname = ?, classname = ?, email = ?, guid = ?, username = ?, password = ?, courses = ?
WHERE id = ?`)
	if _, err := t.tx.ExecContext(ctx, query, s.Surname, s.FirstName, s.ClassName, s.Email, s.GUID, s.Username, s.Password, s.Courses, s.ID); err != nil {
		return fmt.Errorf("update student %d: %w", s.ID, err)
	}
	return nil
}

// InsertClassChange records the class a student left in importID.
func (t *SnapshotTx) InsertClassChange(ctx context.Context, change models.ClassChange) error {
	query := t.tx.Rebind(`INSERT INTO class_changes (student_id, import_id, old_classname) VALUES (?, ?, ?)`)
	if _, err := t.tx.ExecContext(ctx, query, change.StudentID, change.ImportID, change.OldClassName); err != nil {
		return fmt.Errorf("insert class change: %w", err)
	}
	return nil
}

// ClassChangeExists reports whether a class change was already recorded for the pair.
func (t *SnapshotTx) ClassChangeExists(ctx context.Context, studentID, importID int64) (bool, error) {
	query := t.tx.Rebind(`SELECT COUNT(*) FROM class_changes WHERE student_id = ? AND import_id = ?`)
	var count int
	if err := t.tx.GetContext(ctx, &count, query, studentID, importID); err != nil {
		return false, fmt.Errorf("check class change: %w", err)
	}
	return count > 0, nil
}

// InImport reports whether the student already has a membership in the import.
func (t *SnapshotTx) InImport(ctx context.Context, studentID, importID int64) (bool, error) {
	query := t.tx.Rebind(`SELECT COUNT(*) FROM students_in_imports WHERE student_id = ? AND import_id = ?`)
	var count int
	if err := t.tx.GetContext(ctx, &count, query, studentID, importID); err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return count > 0, nil
}

// InsertMembership binds a student to an import.
func (t *SnapshotTx) InsertMembership(ctx context.Context, m models.Membership) error {
	query := t.tx.Rebind(`INSERT INTO students_in_imports (student_id, import_id, classname) VALUES (?, ?, ?)`)
	if _, err := t.tx.ExecContext(ctx, query, m.StudentID, m.ImportID, m.ClassName); err != nil {
		return fmt.Errorf("insert membership: %w", err)
	}
	return nil
}

// PreviousImportID returns the import directly before importID, or 0.
func (t *SnapshotTx) PreviousImportID(ctx context.Context, importID int64) (int64, error) {
	query := t.tx.Rebind(`SELECT COALESCE(MAX(id), 0) FROM imports WHERE id < ?`)
	var id int64
	if err := t.tx.GetContext(ctx, &id, query, importID); err != nil {
		return 0, fmt.Errorf("previous import: %w", err)
	}
	return id, nil
}

// CreateImport registers a new import and returns it. The row is committed
// immediately so an interrupted import still leaves its marker behind.
func (r *SnapshotRepository) CreateImport(ctx context.Context, filename string, at time.Time) (*models.Import, error) {
	imp := &models.Import{Filename: filename, ImportedAt: at.UTC().Truncate(time.Second)}
	query := r.db.Rebind(`INSERT INTO imports (filename, imported_at) VALUES (?, ?) RETURNING id`)
	if err := r.db.QueryRowxContext(ctx, query, imp.Filename, imp.ImportedAt).Scan(&imp.ID); err != nil {
		return nil, fmt.Errorf("create import: %w", err)
	}
	return imp, nil
}

// LastImportID returns the highest import id, 0 for an empty store.
func (r *SnapshotRepository) LastImportID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.db.GetContext(ctx, &id, `SELECT COALESCE(MAX(id), 0) FROM imports`); err != nil {
		return 0, fmt.Errorf("last import id: %w", err)
	}
	return id, nil
}

// GetImport returns one import with its membership count, or nil.
func (r *SnapshotRepository) GetImport(ctx context.Context, id int64) (*models.Import, error) {
	query := r.db.Rebind(`SELECT i.id, i.filename, i.imported_at, COUNT(m.student_id) AS students
FROM imports i
LEFT JOIN students_in_imports m ON m.import_id = i.id
WHERE i.id = ?
GROUP BY i.id, i.filename, i.imported_at`)
	var imp models.Import
	if err := r.db.GetContext(ctx, &imp, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get import: %w", err)
	}
	return &imp, nil
}

// ListImports returns every import, oldest first.
func (r *SnapshotRepository) ListImports(ctx context.Context) ([]models.Import, error) {
	const query = `SELECT i.id, i.filename, i.imported_at, COUNT(m.student_id) AS students
FROM imports i
LEFT JOIN students_in_imports m ON m.import_id = i.id
GROUP BY i.id, i.filename, i.imported_at
ORDER BY i.id ASC`
	var imports []models.Import
	if err := r.db.SelectContext(ctx, &imports, query); err != nil {
		return nil, fmt.Errorf("list imports: %w", err)
	}
	return imports, nil
}

// MembersOfImport returns the students of an import with the class observed in that import.
func (r *SnapshotRepository) MembersOfImport(ctx context.Context, importID int64) ([]models.Student, error) {
	query := r.db.Rebind(`SELECT DISTINCT s.id, s.surname, s.firstname,
	COALESCE(NULLIF(m.classname, ''), s.classname) AS classname,
	s.birthday, s.email, s.guid, s.username, s.password, s.courses
FROM students_in_imports m
JOIN students s ON s.id = m.student_id
WHERE m.import_id = ?
ORDER BY s.id ASC`)
	var students []models.Student
	if err := r.db.SelectContext(ctx, &students, query, importID); err != nil {
		return nil, fmt.Errorf("members of import %d: %w", importID, err)
	}
	return students, nil
}

// ClassChangesInRange returns class changes recorded in imports (oldID, newID], in recording order.
func (r *SnapshotRepository) ClassChangesInRange(ctx context.Context, oldID, newID int64) ([]models.ClassChange, error) {
	query := r.db.Rebind(`SELECT id, student_id, import_id, old_classname FROM class_changes
WHERE import_id > ? AND import_id <= ?
ORDER BY import_id ASC, id ASC`)
	var changes []models.ClassChange
	if err := r.db.SelectContext(ctx, &changes, query, oldID, newID); err != nil {
		return nil, fmt.Errorf("class changes in range: %w", err)
	}
	return changes, nil
}

// DistinctClasses lists the class labels observed in an import.
func (r *SnapshotRepository) DistinctClasses(ctx context.Context, importID int64) ([]string, error) {
	query := r.db.Rebind(`SELECT DISTINCT COALESCE(NULLIF(m.classname, ''), s.classname) AS classname
FROM students_in_imports m
JOIN students s ON s.id = m.student_id
WHERE m.import_id = ?
ORDER BY classname ASC`)
	var classes []string
	if err := r.db.SelectContext(ctx, &classes, query, importID); err != nil {
		return nil, fmt.Errorf("classes of import %d: %w", importID, err)
	}
	return classes, nil
}

// GetStudent returns a student by id, or nil.
func (r *SnapshotRepository) GetStudent(ctx context.Context, id int64) (*models.Student, error) {
	query := r.db.Rebind(`SELECT ` + studentColumns + ` FROM students s WHERE s.id = ?`)
	var student models.Student
	if err := r.db.GetContext(ctx, &student, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get student: %w", err)
	}
	return &student, nil
}

// SearchStudents matches the pattern case-insensitively against names, class and username.
func (r *SnapshotRepository) SearchStudents(ctx context.Context, filter models.StudentFilter) ([]models.Student, int, error) {
	where := strings.Builder{}
	where.WriteString(" WHERE 1=1")
	args := []interface{}{}
	if pattern := strings.ToLower(strings.TrimSpace(filter.Pattern)); pattern != "" {
		like := "%" + pattern + "%"
		where.WriteString(` AND (LOWER(s.surname) LIKE ? OR LOWER(s.firstname) LIKE ? OR LOWER(s.classname) LIKE ? OR LOWER(s.username) LIKE ?)`)
		args = append(args, like, like, like, like)
	}

	var total int
	countQuery := r.db.Rebind(`SELECT COUNT(*) FROM students s` + where.String())
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count students: %w", err)
	}

	size := filter.PageSize
	if size <= 0 {
		size = 50
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	query := r.db.Rebind(`SELECT ` + studentColumns + ` FROM students s` + where.String() +
		` ORDER BY s.classname ASC, s.surname ASC, s.firstname ASC, s.id ASC LIMIT ? OFFSET ?`)
	args = append(args, size, (page-1)*size)

	var students []models.Student
	if err := r.db.SelectContext(ctx, &students, query, args...); err != nil {
		return nil, 0, fmt.Errorf("search students: %w", err)
	}
	return students, total, nil
}

// ClassHistory lists the class a student held in each import it was part of.
func (r *SnapshotRepository) ClassHistory(ctx context.Context, studentID int64) ([]models.ClassObservation, error) {
	query := r.db.Rebind(`SELECT m.import_id, i.imported_at, COALESCE(NULLIF(m.classname, ''), s.classname) AS classname
FROM students_in_imports m
JOIN imports i ON i.id = m.import_id
JOIN students s ON s.id = m.student_id
WHERE m.student_id = ?
ORDER BY m.import_id ASC`)
	var history []models.ClassObservation
	if err := r.db.SelectContext(ctx, &history, query, studentID); err != nil {
		return nil, fmt.Errorf("class history: %w", err)
	}
	return history, nil
}

// ImportsContaining lists the imports listing any student row with the given identity.
func (r *SnapshotRepository) ImportsContaining(ctx context.Context, surname, firstName string, birthDate models.Date) ([]models.Import, error) {
	query := r.db.Rebind(`SELECT DISTINCT i.id, i.filename, i.imported_at
FROM imports i
JOIN students_in_imports m ON m.import_id = i.id
JOIN students s ON s.id = m.student_id
WHERE s.surname = ? AND s.firstname = ? AND s.birthday = ?
ORDER BY i.id ASC`)
	var imports []models.Import
	if err := r.db.SelectContext(ctx, &imports, query, surname, firstName, birthDate); err != nil {
		return nil, fmt.Errorf("imports containing student: %w", err)
	}
	return imports, nil
}

// CountStudents returns the number of stored student rows.
func (r *SnapshotRepository) CountStudents(ctx context.Context) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM students`); err != nil {
		return 0, fmt.Errorf("count students: %w", err)
	}
	return count, nil
}

// staleStudents selects students without a membership in an import at or after the cutoff.
const staleStudents = `SELECT s.id FROM students s WHERE NOT EXISTS (
	SELECT 1 FROM students_in_imports m
	JOIN imports i ON i.id = m.import_id
	WHERE m.student_id = s.id AND i.imported_at >= ?
)`

// PurgeStudentsUnseenSince removes students last seen before cutoff together with
// their memberships and class changes. Imports are kept. The deletion runs in one
// transaction under the writer lock and is followed by a compaction pass.
func (r *SnapshotRepository) PurgeStudentsUnseenSince(ctx context.Context, cutoff time.Time) (int64, error) {
	r.writer.Lock()
	defer r.writer.Unlock()

	cutoff = cutoff.UTC().Truncate(time.Second)
	var removed int64
	err := r.RunInTx(ctx, func(stx *SnapshotTx) error {
		tx := stx.tx
		for _, table := range []string{"class_changes", "students_in_imports"} {
			query := tx.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE student_id IN (%s)`, table, staleStudents))
			if _, err := tx.ExecContext(ctx, query, cutoff); err != nil {
				return fmt.Errorf("purge %s: %w", table, err)
			}
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM students WHERE id IN (`+staleStudents+`)`), cutoff)
		if err != nil {
			return fmt.Errorf("purge students: %w", err)
		}
		removed, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("purge students: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if err := r.compact(ctx); err != nil {
		return removed, err
	}
	return removed, nil
}

// compact reclaims storage. VACUUM cannot run inside a transaction.
func (r *SnapshotRepository) compact(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("compact store: %w", err)
	}
	return nil
}

// Ping verifies the store is reachable.
func (r *SnapshotRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
