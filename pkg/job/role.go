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
)

// role is the direction specific behaviour of a job; chosen once by New.
type role interface {
	intro(ctx context.Context, j *Job) error
	outro(ctx context.Context, j *Job) error
	reportData(ctx context.Context, j *Job) *structs.JobReport
	statusChanged(ctx context.Context, j *Job)
}

// pushRole pushes to its destinations & needs no handshake.
type pushRole struct{}

func (pushRole) intro(ctx context.Context, j *Job) error { return nil }

func (pushRole) outro(ctx context.Context, j *Job) error { return nil }

func (pushRole) reportData(ctx context.Context, j *Job) *structs.JobReport { return j.localReport() }

func (pushRole) statusChanged(ctx context.Context, j *Job) {}

// passiveRole waits for remote hosts to pull from it.
type passiveRole struct {
	pushRole
}

// intro removes markers (and their documents) a pull host left after we
// gave up on an earlier run.
func (passiveRole) intro(ctx context.Context, j *Job) error {
	stale, err := filepath.Glob(filepath.Join(j.file.Dir(), report.StaleMarkerGlob(j.Name, j.Instance)))
	if err != nil {
		return err
	}
	for _, marker := range stale {
		base := report.MarkerBase(marker)
		j.Log().Debugf("removing stale '%s' and '%s'", marker, base)
		os.Remove(marker)
		os.Remove(base)
	}
	return nil
}

// outro removes our own status document; pull hosts are done with it.
func (passiveRole) outro(ctx context.Context, j *Job) error {
	path := j.file.Path(j.localReport())
	j.Log().Debugf("removing report file '%s'", path)
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// pullRole copies from a passive job on another host.
type pullRole struct {
	remote  *remote
	wait    time.Duration
	retries int
}

// intro waits for the remote job to reach COPYING, meaning its data is ready.
func (p *pullRole) intro(ctx context.Context, j *Job) error {
	j.Log().Infof("polling remote job every %s waiting for it to enter %s (%d retries)", p.wait, structs.COPYING, p.retries)
	for i := 0; i < p.retries; i++ {
		if p.remote.refresh(ctx).Step == structs.COPYING {
			return nil
		}
		j.Log().Debugf("remote poll sleeping %s (%d retries left)", p.wait, p.retries-i)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.wait):
		}
	}
	return fmt.Errorf("%w: remote job not ready for copying after %d*%s", errors.ErrTimeout, p.retries, p.wait)
}

// outro tells the remote host we're done, unless it already heard we failed.
func (p *pullRole) outro(ctx context.Context, j *Job) error {
	if j.status == structs.FAILED {
		return p.remote.notifyOnce(ctx, report.MarkerError)
	}
	return p.remote.notifyOnce(ctx, report.MarkerDone)
}

// reportData is the remote job's document restricted to our destination,
// with our status taking over whenever it is not OK.
func (p *pullRole) reportData(ctx context.Context, j *Job) *structs.JobReport {
	doc := p.remote.refresh(ctx)

	r := *doc
	r.Destinations = []*structs.DestReport{}
	if d := doc.Destination(p.remote.dest); d != nil {
		cp := *d
		r.Destinations = append(r.Destinations, &cp)
	}
	if j.status != structs.OK {
		r.Status = j.status
	}
	return &r
}

// statusChanged sends the error notification as soon as the job fails.
func (p *pullRole) statusChanged(ctx context.Context, j *Job) {
	if j.status != structs.FAILED {
		return
	}
	if err := p.remote.notifyOnce(ctx, report.MarkerError); err != nil {
		j.Log().WithError(err).Error("failed to notify remote of error")
	}
}
