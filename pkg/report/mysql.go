package report

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/voidshard/b1k/pkg/errors"
	"github.com/voidshard/b1k/pkg/structs"
)

const (
	myUpsertJob = `INSERT INTO jobs (host, name, instance, master_host, master_instance, direction, start_time, step, status, data_age)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE job_id = LAST_INSERT_ID(job_id), step = ?, status = ?`

	mySelectJob = `SELECT job_id FROM jobs WHERE start_time = ? AND host = ? AND name = ? AND instance = ?`

	myUpsertCopy = `INSERT INTO copies (job_id, destination, type, path, status)
	VALUES (?, ?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE status = ?`
)

// MySQL is a Sink that upserts snapshots into mysql `jobs` & `copies` tables.
type MySQL struct {
	db *sql.DB
}

// MySQLDSN builds a DSN from the parts given in a report section.
func MySQLDSN(server, db, user, password string) string {
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = server
	cfg.DBName = db
	cfg.User = user
	cfg.Passwd = password
	return cfg.FormatDSN()
}

// NewMySQL opens & checks a connection. A server (or schema) that can't be
// reached is an ErrUnavailable.
func NewMySQL(ctx context.Context, opts *Options) (*MySQL, error) {
	db, err := sql.Open("mysql", opts.url())
	if err != nil {
		return nil, fmt.Errorf("%w: mysql: failed to open connection: %v", errors.ErrConfig, err)
	}
	db.SetMaxOpenConns(2)

	// make sure the schema is there, not just the server
	var count int64
	if err := db.QueryRowContext(ctx, "SELECT count(*) FROM jobs").Scan(&count); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: mysql: failed to query jobs: %v", errors.ErrUnavailable, err)
	}
	return &MySQL{db: db}, nil
}

// Close shuts down the database connection.
func (m *MySQL) Close() error {
	return m.db.Close()
}

// Publish upserts the job row & all copy rows in a single transaction.
func (m *MySQL) Publish(ctx context.Context, r *structs.JobReport) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	args := append(toJobSqlArgs(r), string(r.Step), string(r.Status))
	res, err := tx.ExecContext(ctx, myUpsertJob, args...)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("upserting job %s: %w", r.Name, err)
	}

	jobID, err := upsertedID(res)
	if err != nil {
		tx.Rollback()
		return err
	}
	if jobID == 0 {
		// nothing inserted, nothing updated; find the existing job id
		err = tx.QueryRowContext(ctx, mySelectJob, r.StartTime.Format(docTimeLayout), r.Host, r.Name, r.Instance).Scan(&jobID)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("looking up job %s: %w", r.Name, err)
		}
	}

	for _, d := range r.Destinations {
		_, err = tx.ExecContext(ctx, myUpsertCopy, jobID, d.Name, string(d.Type), d.Path, string(d.Status), string(d.Status))
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("upserting copy %s of %s: %w", d.Name, r.Name, err)
		}
	}

	return tx.Commit()
}

// upsertedID returns the job id from an upsert result, or 0 when the server
// did not hand one back.
func upsertedID(res sql.Result) (int64, error) {
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil || rows == 0 {
		return 0, err
	}
	return id, nil
}
