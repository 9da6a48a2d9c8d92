// Command migrate applies the schema migrations under db/migrations. It
// wraps golang-migrate with every external seam injectable, so the flow is
// testable without a running Postgres.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

func main() {
	msg, err := production().run(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(msg)
}

// migrator is the slice of *migrate.Migrate the tool drives; tests substitute
// a fake.
type migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Force(version int) error
	Version() (version uint, dirty bool, err error)
}

// tool carries the injectable seams: env loading, database opening, and
// migrator construction.
type tool struct {
	loadEnv     func(...string) error
	getenv      func(string) string
	openDB      func(driver, dsn string) (*sql.DB, error)
	newMigrator func(db *sql.DB, sourceURL string) (migrator, error)
}

func production() tool {
	return tool{
		loadEnv:     godotenv.Load,
		getenv:      os.Getenv,
		openDB:      sql.Open,
		newMigrator: openMigrator,
	}
}

func openMigrator(db *sql.DB, sourceURL string) (migrator, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("building migration driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(sourceURL, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("reading migration source %s: %w", sourceURL, err)
	}
	return m, nil
}

type options struct {
	dir    string
	steps  int
	to     int
	repair bool
	source string
}

func parseArgs(args []string) (options, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	var o options
	fs.StringVar(&o.dir, "dir", "up", "migration direction, up or down")
	fs.IntVar(&o.steps, "steps", 0, "how many migrations to apply (0 applies all)")
	fs.IntVar(&o.to, "to", -1, "force the recorded schema version without running migrations")
	fs.BoolVar(&o.repair, "repair", false, "clear a dirty schema flag by re-forcing the current version")
	fs.StringVar(&o.source, "source", "file://db/migrations", "migration source URL")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if o.dir != "up" && o.dir != "down" {
		return options{}, fmt.Errorf("-dir must be up or down, got %q", o.dir)
	}
	return o, nil
}

func (t tool) run(args []string) (string, error) {
	o, err := parseArgs(args)
	if err != nil {
		return "", err
	}
	if t.loadEnv != nil {
		_ = t.loadEnv()
	}
	dsn := t.getenv("DATABASE_URL")
	if dsn == "" {
		return "", fmt.Errorf("DATABASE_URL is not set")
	}
	db, err := t.openDB("postgres", dsn)
	if err != nil {
		return "", fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	m, err := t.newMigrator(db, o.source)
	if err != nil {
		return "", err
	}

	if o.repair {
		v, dirty, verr := m.Version()
		if verr != nil {
			return "", fmt.Errorf("reading schema version: %w", verr)
		}
		if !dirty {
			return "schema is clean, nothing to repair", nil
		}
		if err := m.Force(int(v)); err != nil {
			return "", fmt.Errorf("repairing dirty version %d: %w", v, err)
		}
		return fmt.Sprintf("repaired schema at version %d", v), nil
	}
	if o.to >= 0 {
		if err := m.Force(o.to); err != nil {
			return "", fmt.Errorf("forcing version %d: %w", o.to, err)
		}
		return fmt.Sprintf("schema version forced to %d", o.to), nil
	}

	err = apply(m, o.dir, o.steps)
	if err == migrate.ErrNoChange {
		return "schema already up to date", nil
	}
	if err != nil {
		return "", fmt.Errorf("migration %s failed: %w", o.dir, err)
	}
	return fmt.Sprintf("migration %s applied", o.dir), nil
}

func apply(m migrator, dir string, steps int) error {
	if steps > 0 {
		if dir == "down" {
			steps = -steps
		}
		return m.Steps(steps)
	}
	if dir == "down" {
		return m.Down()
	}
	return m.Up()
}
