package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

// Config selects either a local sqlite file or a remote libsql database.
type Config struct {
	File      string `json:"file"`
	Url       string `json:"url"`
	AuthToken string `json:"auth_token"`
}

func wrapOpenDB(err error) error {
	return fmt.Errorf("open db: %w", err)
}

// OpenDB opens the configured database and makes sure Schema exists.
func (config Config) OpenDB() (*sql.DB, error) {
	var db *sql.DB
	var err error
	if config.Url != "" {
		db, err = openRemote(config.Url, config.AuthToken)
	} else {
		db, err = OpenFile(config.File)
	}
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(Schema)
	if err != nil {
		db.Close()
		return nil, wrapOpenDB(err)
	}
	return db, nil
}

func openRemote(dbUrl, authToken string) (*sql.DB, error) {
	values := url.Values{}
	if authToken != "" {
		values.Add("authToken", authToken)
	}
	db, err := sql.Open("libsql", dbUrl+"?"+values.Encode())
	if err != nil {
		return nil, wrapOpenDB(err)
	}
	return db, nil
}

// OpenFile opens a local sqlite database, path may be ":memory:".
func OpenFile(path string) (*sql.DB, error) {
	if path == "" {
		return nil, wrapOpenDB(fmt.Errorf("a path was not specified"))
	}
	if path != ":memory:" {
		err := os.MkdirAll(filepath.Dir(path), 0777)
		if err != nil {
			return nil, wrapOpenDB(err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, wrapOpenDB(err)
	}
	// sqlite does not handle concurrent writers well, one connection
	// with WAL keeps readers from blocking on the writer.
	db.SetMaxOpenConns(1)
	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		return nil, wrapOpenDB(err)
	}
	return db, nil
}
