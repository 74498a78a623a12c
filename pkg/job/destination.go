package job

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/voidshard/b1k/pkg/errors"
	"github.com/voidshard/b1k/pkg/report"
	"github.com/voidshard/b1k/pkg/structs"
	"github.com/voidshard/b1k/pkg/transfer"
)

// pollInterval is how often PassiveWait looks for markers
var pollInterval = time.Second

// Destination is one target of a Job.
type Destination struct {
	Name string
	Type structs.DestType

	// Path is where data goes; for passive destinations it names the host
	// expected to pull (pull://host).
	Path string

	// Background destinations are copied concurrently with everything else.
	Background bool

	status  structs.CopyStatus
	retries int
	copier  copier
}

// Status of the destination.
func (d *Destination) Status() structs.CopyStatus {
	return d.status
}

// Retries is the remaining retry credit.
func (d *Destination) Retries() int {
	return d.retries
}

func (d *Destination) report() *structs.DestReport {
	return &structs.DestReport{
		Name:   d.Name,
		Type:   d.Type,
		Path:   d.Path,
		Status: d.status,
	}
}

// copier is the variant specific part of a destination.
type copier interface {
	copy(ctx context.Context, j *Job, d *Destination) error
}

// push transfers the job's includes to the destination path.
type push struct {
	exclude   []string
	verbosity int
}

func (p *push) copy(ctx context.Context, j *Job, d *Destination) error {
	excludes := append(append([]string{}, j.Exclude...), p.exclude...)
	j.Log().WithField("dest", d.Name).Debugf("copying %v to '%s' excluding %v", j.Include, d.Path, excludes)
	return j.engine.Run(ctx, &transfer.Request{
		Name:        d.Name,
		Sources:     j.Include,
		Destination: d.Path,
		Excludes:    excludes,
		Verbosity:   p.verbosity,
		Timeout:     j.TransferTimeout,
	})
}

// passiveWait waits for `host` to pull the data & leave a marker next to
// the job's status document.
type passiveWait struct {
	host    string
	timeout time.Duration
}

func (p *passiveWait) copy(ctx context.Context, j *Job, d *Destination) error {
	log := j.Log().WithField("dest", d.Name)
	log.Infof("waiting for host '%s' to pull data", p.host)

	base := report.DocumentName(j.Name, j.Instance, j.StartTime)
	pattern := filepath.Join(j.file.Dir(), report.MarkerGlob(base, p.host))
	log.Debugf("waiting for files matching '%s' (timeout %s)", pattern, p.timeout)

	started := time.Now()
	for {
		markers, err := filepath.Glob(pattern)
		if err != nil {
			return err
		}
		if len(markers) > 0 {
			return p.consume(j, markers)
		}
		if time.Since(started) >= p.timeout {
			return fmt.Errorf("%w: host '%s' did not pull destination '%s' within %s", errors.ErrTimeout, p.host, d.Name, p.timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// consume removes markers & their base document, returning the remote verdict.
func (p *passiveWait) consume(j *Job, markers []string) error {
	var result error
	for _, m := range markers {
		if err := os.Remove(m); err != nil {
			j.Log().WithError(err).Warnf("could not remove marker '%s'", m)
		}
		base := report.MarkerBase(m)
		if err := os.Remove(base); err != nil && !os.IsNotExist(err) {
			j.Log().WithError(err).Warnf("could not remove status document '%s'", base)
		}

		switch report.MarkerState(m) {
		case report.MarkerError:
			result = fmt.Errorf("%w: host '%s' reported an error", errors.ErrRemoteError, p.host)
		case report.MarkerDone:
			j.Log().Debugf("host '%s' reported done", p.host)
		default:
			j.Log().Warnf("host '%s' left a marker with unknown state: %s", p.host, m)
		}
	}
	return result
}
