package db

import (
	"database/sql"
	"fmt"

	"github.com/burrow-im/go-burrow/config"
	"github.com/burrow-im/go-burrow/migration"
	"go.uber.org/zap"
)

// migrator applies an ordered list of named migrations, tracking progress in a
// per-subsystem table.
type migrator struct {
	db         *Database
	name       string
	tableName  string
	log        *zap.SugaredLogger
	migrations []*migration.Migration
	lock       bool
}

func newMigrator(c *config.Config, db *Database, name string, migrations []*migration.Migration, lock bool) (*migrator, error) {
	m := &migrator{
		db:         db,
		log:        c.Logger(name),
		name:       name,
		tableName:  fmt.Sprintf("_migrations_%s", name),
		migrations: migrations,
		lock:       lock,
	}

	return m, nil
}

// migrate applies every migration past the recorded high-water mark, each in
// its own transaction so a failure leaves the earlier ones applied.
func (m *migrator) migrate() error {
	applied := 0
	if err := m.run(fmt.Sprintf("prepare %s migrator", m.name), func() error {
		if _, err := m.db.Tx.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INT8 NOT NULL,
			version VARCHAR(255) NOT NULL,
			PRIMARY KEY (id)
		);
	`, m.tableName)); err != nil {
			return err
		}
		if err := m.db.Tx.Get(&applied, fmt.Sprintf("SELECT COUNT(*) FROM %s", m.tableName)); err != nil {
			return err
		}
		if applied > len(m.migrations) {
			return fmt.Errorf("migrator: %d migrations applied on db but only %d defined", applied, len(m.migrations))
		}
		return nil
	}); err != nil {
		return err
	}

	for idx, mig := range m.migrations[applied:] {
		id := applied + idx
		mig := mig
		if err := m.run(mig.String(), func() error {
			m.log.Debugf("applying migration '%s'...", mig.Name)
			if err := mig.Func(m.db.Tx.Tx); err != nil {
				return fmt.Errorf("error applying migration '%s': %w", mig.Name, err)
			}
			_, err := m.db.Tx.Exec(fmt.Sprintf("INSERT INTO %s (id, version) VALUES ($1, $2)", m.tableName), id, mig.String())
			return err
		}); err != nil {
			return fmt.Errorf("migrator: error while running migrations: %w", err)
		}
		m.log.Debugf("applied migration '%s'", mig.Name)
	}
	return nil
}

func (m *migrator) run(label string, f RunnerFunc) error {
	if m.lock {
		return m.db.Run(label, f)
	}
	return m.db.RunTx(label, &sql.TxOptions{Isolation: sql.LevelDefault, ReadOnly: false}, f)
}
