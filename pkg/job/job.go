package job

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/voidshard/b1k/internal/logger"
	"github.com/voidshard/b1k/pkg/errors"
	"github.com/voidshard/b1k/pkg/report"
	"github.com/voidshard/b1k/pkg/structs"
	"github.com/voidshard/b1k/pkg/transfer"
)

// Job is one run of a configured job instance.
//
// A Job is owned by whichever pipeline stage currently holds it; nothing in
// here is safe for concurrent mutation. Destination copies running in the
// background only ever read from the Job.
type Job struct {
	RunID     string
	Section   string
	Name      string
	Instance  string
	Host      string
	Direction structs.Direction
	Type      structs.JobType
	StartTime time.Time

	Include        []string
	Exclude        []string
	MasterHost     string
	MasterInstance string
	DataAge        string

	// Pre & Post hook scripts, may be empty
	Pre  string
	Post string

	// RetrySleep is the minimum delay before another copy pass
	RetrySleep time.Duration

	// StatusDir holds lock & resumption state files
	StatusDir string

	// TransferTimeout is handed to the transfer engine for IO stalls
	TransferTimeout time.Duration

	step   structs.Step
	status structs.Status

	dests  []*Destination
	sinks  []report.Sink
	file   *report.File
	engine transfer.Engine
	role   role
}

// FullName is "name" or "name/instance".
func (j *Job) FullName() string {
	if j.Instance == "" {
		return j.Name
	}
	return j.Name + "/" + j.Instance
}

// Log returns a logger carrying the job's identity.
func (j *Job) Log() *logrus.Entry {
	return logger.With(logger.Fields{"job": j.FullName(), "run": j.RunID})
}

// Step is the current pipeline step.
func (j *Job) Step() structs.Step {
	return j.step
}

// Status is the current job status.
func (j *Job) Status() structs.Status {
	return j.status
}

// Destinations returns the job's destinations, in configured order.
func (j *Job) Destinations() []*Destination {
	return j.dests
}

// Pending returns destinations that are neither DONE nor FAILED.
func (j *Job) Pending() []*Destination {
	out := []*Destination{}
	for _, d := range j.dests {
		if !structs.IsFinalCopyStatus(d.status) {
			out = append(out, d)
		}
	}
	return out
}

// Outcome summarises the last copy pass: if any destination is retryable
// (warning) and if any failed permanently (failed).
func (j *Job) Outcome() (warning, failed bool) {
	for _, d := range j.dests {
		switch d.status {
		case structs.CopyWarning:
			warning = true
		case structs.CopyFailed:
			failed = true
		}
	}
	return
}

// SetStep moves the job to the given step & publishes a snapshot.
func (j *Job) SetStep(ctx context.Context, step structs.Step) error {
	if !structs.IsLegalStep(j.step, step, j.status) {
		return fmt.Errorf("%w: job %s step %s -> %s (status %s)", errors.ErrInvalidState, j.FullName(), j.step, step, j.status)
	}
	j.step = step
	j.Log().Debugf("step %s", step)
	j.publish(ctx)
	return nil
}

// SetStatus sets the job status & publishes a snapshot.
func (j *Job) SetStatus(ctx context.Context, status structs.Status) error {
	if !structs.IsLegalStatus(j.status, status) {
		return fmt.Errorf("%w: job %s status %s -> %s", errors.ErrInvalidState, j.FullName(), j.status, status)
	}
	j.status = status
	j.Log().Debugf("status %s", status)
	j.publish(ctx)
	j.role.statusChanged(ctx, j)
	return nil
}

// Fail marks the job FAILED, logging the reason.
func (j *Job) Fail(ctx context.Context, reason error) {
	j.Log().WithError(reason).Error("job failed")
	if err := j.SetStatus(ctx, structs.FAILED); err != nil {
		j.Log().WithError(err).Error("failed to mark job failed")
	}
}

// Intro runs the direction specific lifecycle hook before the pre stage.
func (j *Job) Intro(ctx context.Context) error {
	return j.role.intro(ctx, j)
}

// Outro runs the direction specific lifecycle hook at the end of the post stage.
func (j *Job) Outro(ctx context.Context) error {
	return j.role.outro(ctx, j)
}

// Report builds a point in time snapshot of the job.
func (j *Job) Report(ctx context.Context) *structs.JobReport {
	return j.role.reportData(ctx, j)
}

// localReport is the snapshot of this job as seen by this host.
func (j *Job) localReport() *structs.JobReport {
	r := &structs.JobReport{
		Direction:      j.Direction,
		Name:           j.Name,
		Host:           j.Host,
		Instance:       j.Instance,
		MasterHost:     j.MasterHost,
		MasterInstance: j.MasterInstance,
		StartTime:      j.StartTime,
		Step:           j.step,
		Status:         j.status,
		DataAge:        j.DataAge,
		Destinations:   make([]*structs.DestReport, len(j.dests)),
	}
	for i, d := range j.dests {
		r.Destinations[i] = d.report()
	}
	return r
}

// publish hands a fresh snapshot to every sink. Sink errors are logged and
// never change job state.
func (j *Job) publish(ctx context.Context) {
	if len(j.sinks) == 0 {
		return
	}
	snap := j.Report(ctx)

	var errs *multierror.Error
	for _, s := range j.sinks {
		if err := s.Publish(ctx, snap); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		j.Log().WithError(err).Warn("failed to publish job report")
	}
}

// BeginCopy takes one unit of retry credit from d & marks it COPYING.
func (j *Job) BeginCopy(ctx context.Context, d *Destination) error {
	if structs.IsFinalCopyStatus(d.status) {
		return fmt.Errorf("%w: destination %s of %s is %s", errors.ErrInvalidState, d.Name, j.FullName(), d.status)
	}
	d.retries--
	j.setCopyStatus(ctx, d, structs.CopyCopying)
	return nil
}

// Attempt performs the copy for d. It does not touch any job or destination
// state & so may run in its own goroutine.
func (j *Job) Attempt(ctx context.Context, d *Destination) error {
	return d.copier.copy(ctx, j, d)
}

// FinishCopy records the result of an Attempt.
//
// A failure is retryable (WARNING) while credit remains; with credit
// exhausted the destination is FAILED for good. Cross host protocol errors
// are never retried.
func (j *Job) FinishCopy(ctx context.Context, d *Destination, err error) {
	log := j.Log().WithField("dest", d.Name)
	switch {
	case err == nil:
		log.Info("copy done")
		j.setCopyStatus(ctx, d, structs.CopyDone)
	case isProtocolError(err):
		log.WithError(err).Error("copy failed, remote side will not recover without an operator")
		j.setCopyStatus(ctx, d, structs.CopyFailed)
	case d.retries < 0:
		log.WithError(err).Error("copy failed permanently")
		j.setCopyStatus(ctx, d, structs.CopyFailed)
	default:
		log.WithError(err).Warnf("copy failed (retries left: %d)", d.retries)
		j.setCopyStatus(ctx, d, structs.CopyWarning)
	}
}

func isProtocolError(err error) bool {
	return stderrors.Is(err, errors.ErrRemoteError) ||
		stderrors.Is(err, errors.ErrNotAddressed) ||
		stderrors.Is(err, errors.ErrTimeout)
}

func (j *Job) setCopyStatus(ctx context.Context, d *Destination, status structs.CopyStatus) {
	d.status = status
	j.publish(ctx)
}

// Close releases the job's report sinks.
func (j *Job) Close() error {
	var errs *multierror.Error
	for _, s := range j.sinks {
		if err := s.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
