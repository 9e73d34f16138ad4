package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"signin-bots/internal/components/db"
)

const stateDir = "dev/.state"

// localConfig points a daemon started from the repository root at the dev
// database and sends notifications to the log only.
const localConfig = `{
    "database": {"file": "dev/.state/signin.db"},
    "notify": {"log": true},
    "telemetry": {"debug": true},
}
`

func writeIfMissing(path string, contents []byte) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return false, nil
	}
	if !os.IsNotExist(err) {
		return false, err
	}
	return true, os.WriteFile(path, contents, 0600)
}

func create(recreate bool) error {
	_, err := os.Stat("go.mod")
	if os.IsNotExist(err) {
		return fmt.Errorf("the dev environment must be created in the repository root (the same directory as the 'go.mod' file)")
	}

	if recreate {
		err = os.RemoveAll(stateDir)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	err = os.MkdirAll(stateDir, 0777)
	if err != nil && !os.IsExist(err) {
		return err
	}

	dbPath := filepath.Join(stateDir, "signin.db")
	sqlite, err := db.Config{File: dbPath}.OpenDB()
	if err != nil {
		return err
	}
	sqlite.Close()
	slog.Info("database ready", "path", dbPath)

	example, err := os.ReadFile("config.example.json5")
	if err != nil {
		return err
	}
	created, err := writeIfMissing("config.json5", example)
	if err != nil {
		return err
	}
	if created {
		slog.Info("created config", "path", "config.json5")
	}
	created, err = writeIfMissing("config.local.json5", []byte(localConfig))
	if err != nil {
		return err
	}
	if created {
		slog.Info("created local overrides", "path", "config.local.json5")
	}
	return nil
}

func main() {
	recreate := flag.Bool("recreate", false, "recreate the dev environment from scratch")
	flag.Parse()

	err := create(*recreate)
	if err != nil {
		slog.Error("failed to create dev environment", "err", err.Error())
		os.Exit(1)
	}

	slog.Info("dev environment created sucessfully!")
}
