package report

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voidshard/b1k/pkg/errors"
	"github.com/voidshard/b1k/pkg/structs"
)

const (
	pgUpsertJob = `INSERT INTO jobs (host, name, instance, master_host, master_instance, direction, start_time, step, status, data_age)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (host, name, instance, start_time) DO UPDATE SET step=EXCLUDED.step, status=EXCLUDED.status
	WHERE jobs.step IS DISTINCT FROM EXCLUDED.step OR jobs.status IS DISTINCT FROM EXCLUDED.status
	RETURNING job_id;`

	pgSelectJob = `SELECT job_id FROM jobs WHERE start_time=$1 AND host=$2 AND name=$3 AND instance=$4;`
)

// Postgres is a Sink that upserts snapshots into postgres `jobs` & `copies` tables.
type Postgres struct {
	opts *Options
	pool *pgxpool.Pool
}

// NewPostgres returns a new Postgres sink.
//
// A URL that doesn't parse is an ErrConfig, a server that can't be reached
// an ErrUnavailable.
func NewPostgres(ctx context.Context, opts *Options) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, opts.url())
	if err != nil {
		return nil, fmt.Errorf("%w: postgres: %v", errors.ErrConfig, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: postgres: %v", errors.ErrUnavailable, err)
	}
	return &Postgres{pool: pool, opts: opts}, nil
}

// Close shuts down the database connection.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// Publish upserts the job row & all copy rows in a single transaction.
func (p *Postgres) Publish(ctx context.Context, r *structs.JobReport) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}

	var jobID int64
	err = tx.QueryRow(ctx, pgUpsertJob, toJobSqlArgs(r)...).Scan(&jobID)
	if stderrors.Is(err, pgx.ErrNoRows) {
		// nothing inserted, nothing updated; find the existing job id
		err = tx.QueryRow(ctx, pgSelectJob, r.StartTime.Format(docTimeLayout), r.Host, r.Name, r.Instance).Scan(&jobID)
	}
	if err != nil {
		tx.Rollback(ctx)
		return fmt.Errorf("upserting job %s: %w", r.Name, err)
	}

	if len(r.Destinations) > 0 {
		qstr, args := toCopySqlArgs(1, jobID, r.Destinations)
		qstr = fmt.Sprintf(`INSERT INTO copies (job_id, destination, type, path, status) VALUES %s
		ON CONFLICT (job_id, destination) DO UPDATE SET status=EXCLUDED.status;`, qstr)
		_, err = tx.Exec(ctx, qstr, args...)
		if err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("upserting copies of %s: %w", r.Name, err)
		}
	}

	err = tx.Commit(ctx)
	if err != nil {
		tx.Rollback(ctx)
	}
	return err
}

// toJobSqlArgs converts a report into args for a job upsert
func toJobSqlArgs(r *structs.JobReport) []interface{} {
	return []interface{}{
		r.Host,
		r.Name,
		r.Instance,
		r.MasterHost,
		r.MasterInstance,
		string(r.Direction),
		r.StartTime.Format(docTimeLayout),
		string(r.Step),
		string(r.Status),
		r.DataAge,
	}
}

// toCopySqlArgs converts destinations into a `($1, $2 ..),(..)` VALUES string & args
func toCopySqlArgs(offset int, jobID int64, in []*structs.DestReport) (string, []interface{}) {
	rows := []string{}
	args := []interface{}{}
	for _, d := range in {
		vals := []string{}
		for i := 0; i < 5; i++ {
			vals = append(vals, fmt.Sprintf("$%d", offset+len(args)+i))
		}
		rows = append(rows, fmt.Sprintf("(%s)", strings.Join(vals, ", ")))
		args = append(args, jobID, d.Name, string(d.Type), d.Path, string(d.Status))
	}
	return strings.Join(rows, ","), args
}
