package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/voidshard/b1k/internal/logger"
	"github.com/voidshard/b1k/internal/utils"
	"github.com/voidshard/b1k/pkg/config"
	"github.com/voidshard/b1k/pkg/errors"
	"github.com/voidshard/b1k/pkg/job"
	"github.com/voidshard/b1k/pkg/report"
	"github.com/voidshard/b1k/pkg/structs"
)

// Runner seeds jobs into a Pipeline, holding the presence lock of each
// configured job while any of its instances is in flight.
//
// Report sinks are shared by all jobs of a Runner & closed by Wait.
type Runner struct {
	cfg       *config.Store
	opts      *job.Options
	pipe      *Pipeline
	statusDir string
	sinks     *report.Cache

	lock      sync.Mutex
	locks     map[string]int
	finishing bool
	closed    sync.Once

	// OnFinish is called after an item left the pipeline & its lock was handled
	OnFinish func(*Item)
}

// NewRunner returns a Runner for the given config.
func NewRunner(cfg *config.Store, opts *job.Options) (*Runner, error) {
	statusDir, err := cfg.Get(config.Global, "status_dir")
	if err != nil {
		return nil, err
	}
	open := opts.OpenSink
	if open == nil {
		open = report.Open
	}
	shared := *opts
	r := &Runner{
		cfg:       cfg,
		opts:      &shared,
		statusDir: statusDir,
		sinks:     report.NewCache(open, 0),
		locks:     map[string]int{},
	}
	r.opts.OpenSink = r.sinks.Open
	r.pipe = New(cfg, r.opts, r.finished)
	return r, nil
}

// Start runs the pipeline.
func (r *Runner) Start(ctx context.Context) {
	r.pipe.Start(ctx)
}

// Finish refuses new work & lets in flight jobs complete.
func (r *Runner) Finish() {
	r.lock.Lock()
	r.finishing = true
	r.lock.Unlock()
	r.pipe.Finish()
}

// Wait blocks until the pipeline is done, then closes the report sinks.
func (r *Runner) Wait() {
	r.pipe.Wait()
	r.closed.Do(func() {
		if err := r.sinks.Close(); err != nil {
			logger.Warnf("failed to close reports: %v", err)
		}
	})
}

// Jobs lists the names of all configured jobs.
func (r *Runner) Jobs() []string {
	out := []string{}
	for _, s := range r.cfg.Sections(config.PrefixJob) {
		out = append(out, strings.TrimPrefix(s, config.PrefixJob))
	}
	return out
}

// LockPath is the presence lock file of the named job.
func (r *Runner) LockPath(name string) string {
	return filepath.Join(r.statusDir, fmt.Sprintf("b1k_job_%s.lock", name))
}

// Run queues every instance of the named job (or only `instances`, if given).
func (r *Runner) Run(name string, instances ...string) error {
	section := config.PrefixJob + name
	if !r.cfg.HasSection(section) {
		return fmt.Errorf("%w: job '%s' not defined", errors.ErrConfig, name)
	}

	if len(instances) == 0 {
		var err error
		instances, err = r.instances(section)
		if err != nil {
			return err
		}
	}

	if err := r.acquire(name, len(instances)); err != nil {
		return err
	}
	for _, inst := range instances {
		logger.With(logger.Fields{"job": name, "instance": inst}).Info("queueing job")
		r.pipe.Queue(section, inst)
	}
	return nil
}

// Resume queues a failed run for continuation.
func (r *Runner) Resume(state *structs.ResumeState) error {
	name := strings.TrimPrefix(state.Section, config.PrefixJob)
	if err := r.acquire(name, 1); err != nil {
		return err
	}
	logger.With(logger.Fields{"job": name, "instance": state.Report.Instance}).Infof("resuming run %s", state.RunID)
	r.pipe.QueueResume(state)
	return nil
}

// instances expands the `instances` parameter of a job section; no value
// means a single unnamed instance.
func (r *Runner) instances(section string) ([]string, error) {
	host, err := r.opts.Hostname()
	if err != nil {
		return nil, err
	}
	cfg := r.cfg.Overlay(section, map[string]string{
		"name": strings.TrimPrefix(section, config.PrefixJob),
		"host": host,
	})
	value, err := cfg.GetExecDefault(section, "instances", "")
	if err != nil {
		return nil, err
	}
	out := strings.Fields(value)
	if len(out) == 0 {
		return []string{""}, nil
	}
	return out, nil
}

// acquire takes the job lock on behalf of n items. The lock is not
// reentrant: a job with anything still in flight can't be queued again.
// Nothing is accepted once Finish was called.
func (r *Runner) acquire(name string, n int) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.finishing {
		return fmt.Errorf("%w: shutting down, job '%s' not started", errors.ErrInvalidState, name)
	}
	if r.locks[name] > 0 {
		return fmt.Errorf("%w: job '%s' is already running", errors.ErrLocked, name)
	}
	if err := utils.AcquireLock(r.LockPath(name)); err != nil {
		return fmt.Errorf("job '%s': %w", name, err)
	}
	r.locks[name] = n
	return nil
}

func (r *Runner) release(name string) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.locks[name]--
	if r.locks[name] > 0 {
		return
	}
	delete(r.locks, name)
	if err := utils.ReleaseLock(r.LockPath(name)); err != nil {
		logger.With(logger.Fields{"job": name}).WithError(err).Warn("could not release job lock")
	}
}

func (r *Runner) finished(it *Item) {
	r.release(strings.TrimPrefix(it.Section, config.PrefixJob))
	if r.OnFinish != nil {
		r.OnFinish(it)
	}
}
