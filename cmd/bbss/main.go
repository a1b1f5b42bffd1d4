package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/bbss-go/bbss/internal/app"
	"github.com/bbss-go/bbss/internal/models"
	"github.com/bbss-go/bbss/internal/parser"
	"github.com/bbss-go/bbss/internal/service"
	"github.com/bbss-go/bbss/pkg/config"
	"github.com/bbss-go/bbss/pkg/database"
	"github.com/bbss-go/bbss/pkg/logger"
)

const usage = `usage: bbss <command> [flags]

commands:
  migrate    apply pending store migrations
  import     import a roster file (-file, -format, -resume)
  diff       print the change set between two imports (-old, -new)
  export     render export files for a change set (-format, -old, -new, -out, -replace)
  purge      remove students absent since a cutoff (-cutoff YYYY-MM-DD)
  search     search students (-q, -page, -page-size)
  history    print the class history of a student (-id)
  maildiff   compare a Moodle user download with stored addresses (-file, -out)
`

var errUsage = errors.New("invalid usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		log.Fatalf("bbss: %v", err)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	command, args := args[0], args[1:]

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logr, err := logger.New(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logr.Sync() //nolint:errcheck

	if command == "migrate" {
		return migrate(ctx, cfg, logr, out)
	}

	a, err := app.New(ctx, cfg, logr)
	if err != nil {
		return err
	}
	defer a.Close()

	switch command {
	case "import":
		return importCmd(ctx, a, args, out)
	case "diff":
		return diffCmd(ctx, a, args, out)
	case "export":
		return exportCmd(ctx, a, args, out)
	case "purge":
		return purgeCmd(ctx, a, args, out)
	case "search":
		return searchCmd(ctx, a, args, out)
	case "history":
		return historyCmd(ctx, a, args, out)
	case "maildiff":
		return mailDiffCmd(ctx, a, args, out)
	default:
		return fmt.Errorf("unknown command %q: %w", command, errUsage)
	}
}

func migrate(ctx context.Context, cfg *config.Config, logr *zap.Logger, out io.Writer) error {
	db, err := database.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck

	version, err := database.Migrate(ctx, db, logr)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "schema version %d\n", version)
	return nil
}

func importCmd(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	path := fs.String("file", "", "roster file")
	format := fs.String("format", "", "csv, verwaltung or excel; detected from the extension when empty")
	resume := fs.Int64("resume", 0, "re-run the records into this import, must be the latest")
	quiet := fs.Bool("quiet", false, "suppress progress output")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *path == "" {
		return fmt.Errorf("-file is required: %w", errUsage)
	}

	opts := service.ImportOptions{ResumeImportID: *resume}
	if !*quiet {
		opts.Progress = func(index, total int) {
			if index%100 == 0 || index == total-1 {
				fmt.Fprintf(os.Stderr, "\r%d/%d", index+1, total)
			}
		}
	}
	result, err := a.Imports.ImportFile(ctx, *path, *format, opts)
	if !*quiet {
		fmt.Fprintln(os.Stderr)
	}
	if result != nil {
		if encErr := writeJSON(out, result); encErr != nil {
			return encErr
		}
	}
	return err
}

func diffCmd(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("diff", flag.ContinueOnError)
	oldID := fs.Int64("old", 0, "old import id, 0 lists every student of the new import")
	newID := fs.Int64("new", 0, "new import id")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	cs, err := a.Changesets.Diff(ctx, flagValue(fs, "old", oldID), flagValue(fs, "new", newID))
	if err != nil {
		return err
	}
	return writeJSON(out, cs)
}

func exportCmd(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	format := fs.String("format", "", "ad, radius, moodle, labsoft, webuntis or cards")
	oldID := fs.Int64("old", 0, "old import id")
	newID := fs.Int64("new", 0, "new import id")
	dir := fs.String("out", ".", "output directory")
	replace := fs.Bool("replace", false, "replace characters the target system rejects")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	cs, err := a.Changesets.Diff(ctx, flagValue(fs, "old", oldID), flagValue(fs, "new", newID))
	if err != nil {
		return err
	}
	artifacts, err := a.Exports.Render(models.ExportFormat(*format), cs, *replace)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(*dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	for _, artifact := range artifacts {
		target := filepath.Join(*dir, artifact.Name)
		if err := os.WriteFile(target, artifact.Data, 0o600); err != nil {
			return fmt.Errorf("write %s: %w", target, err)
		}
		fmt.Fprintln(out, target)
	}
	return nil
}

func purgeCmd(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("purge", flag.ContinueOnError)
	cutoff := fs.String("cutoff", "", "purge students absent since this date (YYYY-MM-DD), defaults to the retention period")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	var (
		result *service.PurgeResult
		err    error
	)
	if *cutoff == "" {
		result, err = a.Retention.PurgeExpired(ctx)
	} else {
		day, parseErr := time.Parse("2006-01-02", *cutoff)
		if parseErr != nil {
			return fmt.Errorf("invalid cutoff %q: %w", *cutoff, errUsage)
		}
		result, err = a.Retention.PurgeUnseenSince(ctx, day)
	}
	if err != nil {
		return err
	}
	return writeJSON(out, result)
}

func searchCmd(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	pattern := fs.String("q", "", "matches names, class and username")
	page := fs.Int("page", 1, "page")
	pageSize := fs.Int("page-size", 50, "page size")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	students, pagination, err := a.Directory.Search(ctx, models.StudentFilter{Pattern: *pattern, Page: *page, PageSize: *pageSize})
	if err != nil {
		return err
	}
	return writeJSON(out, map[string]interface{}{"students": students, "pagination": pagination})
}

func historyCmd(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	id := fs.Int64("id", 0, "student id")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *id <= 0 {
		return fmt.Errorf("-id is required: %w", errUsage)
	}

	history, err := a.Directory.History(ctx, *id)
	if err != nil {
		return err
	}
	return writeJSON(out, history)
}

func mailDiffCmd(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("maildiff", flag.ContinueOnError)
	path := fs.String("file", "", "Moodle user download")
	target := fs.String("out", "maildiff.csv", "output file")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *path == "" {
		return fmt.Errorf("-file is required: %w", errUsage)
	}

	file, err := os.Open(*path)
	if err != nil {
		return err
	}
	defer file.Close() //nolint:errcheck

	users, err := parser.ReadMoodleUsers(file)
	if err != nil {
		return err
	}
	artifact, err := a.Exports.MailDifferences(ctx, users)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*target, artifact.Data, 0o600); err != nil {
		return err
	}
	fmt.Fprintln(out, *target)
	return nil
}

// flagValue returns nil for flags left unset so the change set defaults apply.
func flagValue(fs *flag.FlagSet, name string, value *int64) *int64 {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	if !set {
		return nil
	}
	return value
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
