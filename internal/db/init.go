package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log"
	"sort"

	_ "github.com/lib/pq"

	"importq/internal/constants"
	"importq/internal/lock"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const schema = "importq_schema"

// Init opens the database and runs schema initialization and migration
// scripts. A distributed lock keeps concurrent instances from racing the
// migration step; the connection is returned open for the job store.
//
// The function performs the following steps:
//  1. Opens a database connection using the given URL.
//  2. Pings the database to verify the connection.
//  3. Acquires a distributed lock to prevent concurrent migrations.
//  4. Creates the required schema if it does not exist.
//  5. Executes the embedded SQL scripts in filename order.
func Init(ctx context.Context, postgresURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		return nil, err
	}

	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	distributedLock := lock.NewPostgresDistributedLockManager(db)
	if err = distributedLock.Acquire(ctx, constants.MigrationLock); err != nil {
		db.Close()
		return nil, err
	}
	defer distributedLock.Release(ctx, constants.MigrationLock)

	if _, err = db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		db.Close()
		return nil, err
	}

	scripts, err := readSQLScripts()
	if err != nil {
		db.Close()
		return nil, err
	}
	for _, script := range scripts {
		if _, err := db.ExecContext(ctx, script); err != nil {
			db.Close()
			return nil, err
		}
	}

	log.Printf("[db] migrations applied, schema %s ready", schema)
	return db, nil
}

func readSQLScripts() ([]string, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var scripts []string
	for _, name := range names {
		content, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, string(content))
	}

	return scripts, nil
}
