package report

import (
	"database/sql"
	"embed"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/voidshard/b1k/internal/logger"
	"github.com/voidshard/b1k/pkg/errors"
)

//go:embed migrations
var migrations embed.FS

// Migrate brings the schema of a SQL report target up to date.
// Kind is one of "postgres" or "mysql"; dsn is a URL for postgres & a
// go-sql-driver DSN for mysql.
func Migrate(kind, dsn string) error {
	m, err := newMigrate(kind, dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	err = m.Up()
	if err == migrate.ErrNoChange {
		logger.Infof("report schema (%s) already up to date", kind)
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to run %s migrations: %w", kind, err)
	}
	logger.Infof("report schema (%s) migrated", kind)
	return nil
}

func newMigrate(kind, dsn string) (*migrate.Migrate, error) {
	src, err := iofs.New(migrations, "migrations/"+kind)
	if err != nil {
		return nil, fmt.Errorf("%w: no migrations for %s", errors.ErrUnknownType, kind)
	}

	var (
		db     *sql.DB
		driver database.Driver
	)
	switch kind {
	case TypePostgres:
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, err
		}
		driver, err = migratepostgres.WithInstance(db, &migratepostgres.Config{})
	case TypeMySQL:
		db, err = sql.Open("mysql", dsn+multiStatementsParam(dsn))
		if err != nil {
			return nil, err
		}
		driver, err = migratemysql.WithInstance(db, &migratemysql.Config{})
	default:
		return nil, fmt.Errorf("%w: %s", errors.ErrUnknownType, kind)
	}
	if err != nil {
		db.Close()
		return nil, err
	}

	return migrate.NewWithInstance("iofs", src, kind, driver)
}

// multiStatementsParam is appended to a mysql DSN so the migrate driver can
// read its own schema table.
func multiStatementsParam(dsn string) string {
	if strings.Contains(dsn, "?") {
		return "&multiStatements=true"
	}
	return "?multiStatements=true"
}
