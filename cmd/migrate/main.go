// Command migrate manages the watcher's database schema.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"rsswatcher/migrations"
)

const usage = `Usage: migrate [-db path] <command>

Commands:
  up        Apply all pending migrations
  up-one    Apply the next pending migration
  down      Roll back the latest migration
  status    Show applied and pending migrations
  version   Print the current schema version
  reset     Roll back everything
`

var commands = map[string]func(*sql.DB, string, ...goose.OptionsFunc) error{
	"up":      goose.Up,
	"up-one":  goose.UpByOne,
	"down":    goose.Down,
	"status":  goose.Status,
	"version": goose.Version,
	"reset":   goose.Reset,
}

func main() {
	dbPath := flag.String("db", defaultDBPath(), "path to sqlite database")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
	name := flag.Arg(0)
	run, ok := commands[name]
	if !ok {
		log.Fatalf("unknown command: %s", name)
	}

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		log.Fatalf("set dialect: %v", err)
	}

	if err := run(db, "."); err != nil {
		log.Fatalf("%s: %v", name, err)
	}
}

func defaultDBPath() string {
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		return v
	}
	return "data/rss_watcher.db"
}
