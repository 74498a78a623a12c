package main

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/voidshard/b1k/internal/logger"
	"github.com/voidshard/b1k/pkg/errors"
	"github.com/voidshard/b1k/pkg/job"
	"github.com/voidshard/b1k/pkg/pipeline"
)

const (
	docRun = `Run the named jobs on this host, or every configured job if none are named.

A job may be given as <name>/<instance> to run a single instance.`

	docResume = `Resume a failed run from its state file. Destinations that were already
copied are not copied again.`

	docJobs = `List the jobs defined in the config file.`
)

type optsRun struct {
	optsGeneral

	Args struct {
		Jobs []string `positional-arg-name:"job"`
	} `positional-args:"yes"`
}

func (c *optsRun) Execute(args []string) error {
	cfg, opts, err := c.setup()
	if err != nil {
		return err
	}
	r, err := pipeline.NewRunner(cfg, opts)
	if err != nil {
		return err
	}

	names := c.Args.Jobs
	if len(names) == 0 {
		names = r.Jobs()
	}

	return runAll(r, func() error {
		var errs *multierror.Error
		for _, name := range names {
			jobName, instance := splitJob(name)
			var err error
			if instance == "" {
				err = r.Run(jobName)
			} else {
				err = r.Run(jobName, instance)
			}
			if err != nil {
				logger.With(logger.Fields{"job": name}).WithError(err).Error("job not started")
				errs = multierror.Append(errs, err)
			}
		}
		return errs.ErrorOrNil()
	})
}

type optsResume struct {
	optsGeneral

	Args struct {
		StateFile string `positional-arg-name:"state-file" required:"yes"`
	} `positional-args:"yes"`
}

func (c *optsResume) Execute(args []string) error {
	cfg, opts, err := c.setup()
	if err != nil {
		return err
	}
	state, err := job.LoadState(c.Args.StateFile)
	if err != nil {
		return err
	}
	r, err := pipeline.NewRunner(cfg, opts)
	if err != nil {
		return err
	}
	return runAll(r, func() error { return r.Resume(state) })
}

type optsJobs struct {
	optsGeneral
}

func (c *optsJobs) Execute(args []string) error {
	cfg, opts, err := c.setup()
	if err != nil {
		return err
	}
	r, err := pipeline.NewRunner(cfg, opts)
	if err != nil {
		return err
	}
	for _, name := range r.Jobs() {
		fmt.Println(name)
	}
	return nil
}

// runAll starts the runner, seeds it & waits for every job to leave the
// pipeline. SIGINT cancels in flight copies & hooks.
func runAll(r *pipeline.Runner, seed func() error) error {
	ctx, cancel := interruptible()
	defer cancel()

	var (
		lock   sync.Mutex
		failed []string
	)
	r.OnFinish = func(it *pipeline.Item) {
		if it.Succeeded() {
			return
		}
		lock.Lock()
		defer lock.Unlock()
		name := it.Section
		if it.Job != nil {
			name = it.Job.FullName()
		}
		failed = append(failed, name)
	}

	r.Start(ctx)
	seedErr := seed()
	r.Finish()
	r.Wait()

	var errs *multierror.Error
	if seedErr != nil {
		errs = multierror.Append(errs, seedErr)
	}
	if len(failed) > 0 {
		errs = multierror.Append(errs, fmt.Errorf("%w: %d job(s) failed: %v", errors.ErrJobFailed, len(failed), failed))
	}
	return errs.ErrorOrNil()
}
