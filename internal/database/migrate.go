package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/logger"
)

// ErrSchemaTooNew is returned when the store was written by a build that
// knows more migrations than this one.
var ErrSchemaTooNew = errors.New("store schema is newer than this build")

// getSchemaVersion reads the applied migration number from PRAGMA user_version.
func getSchemaVersion(conn *sql.DB) (int, error) {
	var version int
	if err := conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

// migrate applies every migration above the store's version in order.
// A store ahead of this build is left alone and reported.
func migrate(conn *sql.DB) error {
	current, err := getSchemaVersion(conn)
	if err != nil {
		return err
	}
	latest := latestVersion()
	switch {
	case current > latest:
		return fmt.Errorf("%w: store at %d, build knows %d", ErrSchemaTooNew, current, latest)
	case current == latest:
		return nil
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := apply(conn, m); err != nil {
			return err
		}
	}
	logger.L().Info("Store schema up to date", "from", current, "to", latest)
	return nil
}

// apply runs one migration's DDL in a transaction and then records its
// version. modernc/sqlite cannot set user_version inside the transaction;
// the DDL is idempotent, so a crash between the two steps only reruns it.
func apply(conn *sql.DB, m Migration) error {
	logger.L().Info("Applying store migration", "version", m.Version, "description", m.Description)

	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.Version, err)
	}
	defer tx.Rollback()

	if err := m.Up(tx); err != nil {
		return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.Version, err)
	}
	if _, err := conn.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
		return fmt.Errorf("recording version %d: %w", m.Version, err)
	}
	return nil
}
