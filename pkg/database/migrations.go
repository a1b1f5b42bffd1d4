package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

// Migration is one additive schema step. Steps are applied in version order, once each.
type Migration struct {
	Version int64
	Name    string
	Up      func(ctx context.Context, tx *sql.Tx, d Dialect) error
}

// Dialect captures the few column definitions that differ between SQLite and PostgreSQL.
type Dialect struct {
	Name       string
	PrimaryKey string
	DateType   string
}

var (
	SQLite   = Dialect{Name: "sqlite3", PrimaryKey: "INTEGER PRIMARY KEY AUTOINCREMENT", DateType: "TEXT"}
	Postgres = Dialect{Name: "postgres", PrimaryKey: "BIGSERIAL PRIMARY KEY", DateType: "DATE"}
)

// DialectFor maps a sqlx driver name onto its schema dialect.
func DialectFor(driverName string) (Dialect, error) {
	switch driverName {
	case SQLite.Name:
		return SQLite, nil
	case Postgres.Name:
		return Postgres, nil
	default:
		return Dialect{}, fmt.Errorf("no schema dialect for driver %q", driverName)
	}
}

func (d Dialect) gooseDialect() goose.Dialect {
	if d.Name == Postgres.Name {
		return goose.DialectPostgres
	}
	return goose.DialectSQLite3
}

// Migrations lists every schema step the student store has gone through.
var Migrations = []Migration{
	{Version: 1, Name: "base_tables", Up: createBaseTables},
	{Version: 2, Name: "class_change_history", Up: addClassChangeHistory},
	{Version: 3, Name: "student_email", Up: addColumn("students", "email", "TEXT NOT NULL DEFAULT ''")},
	{Version: 4, Name: "student_guid", Up: addGUID},
	{Version: 5, Name: "student_courses", Up: addColumn("students", "courses", "TEXT NOT NULL DEFAULT ''")},
	{Version: 6, Name: "lookup_indexes", Up: addLookupIndexes},
	{Version: 7, Name: "export_jobs", Up: createExportJobs},
}

// Migrate brings the schema up to the latest version and returns the resulting version.
func Migrate(ctx context.Context, db *sqlx.DB, logger *zap.Logger) (int64, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialect, err := DialectFor(db.DriverName())
	if err != nil {
		return 0, err
	}

	provider, err := newProvider(db.DB, dialect)
	if err != nil {
		return 0, err
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return 0, fmt.Errorf("apply migrations: %w", err)
	}
	for _, result := range results {
		logger.Info("schema migration applied",
			zap.Int64("version", result.Source.Version),
			zap.Duration("duration", result.Duration),
		)
	}

	version, err := provider.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// SchemaVersion reports the currently applied schema version without migrating.
func SchemaVersion(ctx context.Context, db *sqlx.DB) (int64, error) {
	dialect, err := DialectFor(db.DriverName())
	if err != nil {
		return 0, err
	}
	provider, err := newProvider(db.DB, dialect)
	if err != nil {
		return 0, err
	}
	return provider.GetDBVersion(ctx)
}

func newProvider(db *sql.DB, dialect Dialect) (*goose.Provider, error) {
	steps := make([]*goose.Migration, 0, len(Migrations))
	for _, m := range Migrations {
		up := m.Up
		steps = append(steps, goose.NewGoMigration(m.Version, &goose.GoFunc{
			RunTx: func(ctx context.Context, tx *sql.Tx) error {
				return up(ctx, tx, dialect)
			},
		}, nil))
	}

	provider, err := goose.NewProvider(dialect.gooseDialect(), db, nil,
		goose.WithDisableGlobalRegistry(true),
		goose.WithGoMigrations(steps...),
	)
	if err != nil {
		return nil, fmt.Errorf("init migration provider: %w", err)
	}
	return provider, nil
}

func execAll(ctx context.Context, tx *sql.Tx, statements ...string) error {
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func createBaseTables(ctx context.Context, tx *sql.Tx, d Dialect) error {
	return execAll(ctx, tx,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS imports (
			id %s,
			filename TEXT NOT NULL,
			imported_at TIMESTAMP NOT NULL
		)`, d.PrimaryKey),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS students (
			id %s,
			surname TEXT NOT NULL,
			firstname TEXT NOT NULL,
			classname TEXT NOT NULL,
			birthday %s NOT NULL,
			username TEXT NOT NULL DEFAULT '',
			password TEXT NOT NULL DEFAULT ''
		)`, d.PrimaryKey, d.DateType),
		`CREATE TABLE IF NOT EXISTS students_in_imports (
			student_id BIGINT NOT NULL REFERENCES students(id),
			import_id BIGINT NOT NULL REFERENCES imports(id)
		)`,
	)
}

func addClassChangeHistory(ctx context.Context, tx *sql.Tx, d Dialect) error {
	return execAll(ctx, tx,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS class_changes (
			id %s,
			student_id BIGINT NOT NULL REFERENCES students(id),
			import_id BIGINT NOT NULL REFERENCES imports(id),
			old_classname TEXT NOT NULL
		)`, d.PrimaryKey),
		`ALTER TABLE students_in_imports ADD COLUMN classname TEXT NOT NULL DEFAULT ''`,
		`UPDATE students_in_imports SET classname = (
			SELECT s.classname FROM students s WHERE s.id = students_in_imports.student_id
		)`,
	)
}

func addGUID(ctx context.Context, tx *sql.Tx, d Dialect) error {
	if err := addColumn("students", "guid", "TEXT NOT NULL DEFAULT ''")(ctx, tx, d); err != nil {
		return err
	}
	return execAll(ctx, tx, `CREATE INDEX IF NOT EXISTS idx_students_guid ON students (guid)`)
}

func addLookupIndexes(ctx context.Context, tx *sql.Tx, _ Dialect) error {
	return execAll(ctx, tx,
		`CREATE INDEX IF NOT EXISTS idx_students_identity ON students (surname, firstname, birthday)`,
		`CREATE INDEX IF NOT EXISTS idx_memberships_import ON students_in_imports (import_id)`,
		`CREATE INDEX IF NOT EXISTS idx_memberships_student ON students_in_imports (student_id)`,
		`CREATE INDEX IF NOT EXISTS idx_class_changes_import ON class_changes (import_id)`,
	)
}

func createExportJobs(ctx context.Context, tx *sql.Tx, _ Dialect) error {
	return execAll(ctx, tx,
		`CREATE TABLE IF NOT EXISTS export_jobs (
			id TEXT PRIMARY KEY,
			format TEXT NOT NULL,
			params TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			files TEXT NOT NULL DEFAULT '[]',
			error TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_export_jobs_status ON export_jobs (status)`,
	)
}

func addColumn(table, column, definition string) func(context.Context, *sql.Tx, Dialect) error {
	return func(ctx context.Context, tx *sql.Tx, _ Dialect) error {
		return execAll(ctx, tx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	}
}
