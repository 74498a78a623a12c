package main

import (
	"context"
	"os"
	"os/signal"
	"strings"

	"github.com/voidshard/b1k/internal/logger"
	"github.com/voidshard/b1k/pkg/job"
	"github.com/voidshard/b1k/pkg/pipeline"
	"github.com/voidshard/b1k/pkg/queue"
)

const (
	docWorker = `Run jobs requested over the queue until interrupted.

Each host consumes its own queue; requests for a job that is still running
are refused.`

	docEnqueue = `Ask a host's worker to run a job (or resume a run from a state file
on that host).`

	docCancel = `Withdraw a request made with enqueue, using the id it printed. Requests
a worker already took can't be withdrawn.`
)

type optsWorker struct {
	optsGeneral
	optsQueue
}

func (c *optsWorker) Execute(args []string) error {
	cfg, opts, err := c.setup()
	if err != nil {
		return err
	}
	host, err := opts.Hostname()
	if err != nil {
		return err
	}
	r, err := pipeline.NewRunner(cfg, opts)
	if err != nil {
		return err
	}
	q, err := c.open()
	if err != nil {
		return err
	}
	closeQueue := func() {
		if err := q.Close(); err != nil {
			logger.With(logger.Fields{"host": host}).WithError(err).Warn("failed to close queue")
		}
	}

	err = q.Register(host, func(ctx context.Context, work []*queue.Meta) {
		for _, m := range work {
			m.SetError(handle(r, m.Request))
		}
	})
	if err != nil {
		closeQueue()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	go func() {
		if err := q.Run(); err != nil {
			logger.With(logger.Fields{"host": host}).WithError(err).Error("queue stopped")
		}
	}()
	logger.With(logger.Fields{"host": host}).Info("worker waiting for requests")

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt)
	<-exit

	// stop taking requests before the pipeline drains
	logger.Info("worker stopping, waiting on running jobs")
	closeQueue()
	r.Finish()
	r.Wait()
	return nil
}

func handle(r *pipeline.Runner, req *queue.Request) error {
	if req.StateFile != "" {
		state, err := job.LoadState(req.StateFile)
		if err != nil {
			return err
		}
		return r.Resume(state)
	}
	name, instance := splitJob(req.Job)
	instances := req.Instances
	if instance != "" {
		instances = append(instances, instance)
	}
	return r.Run(name, instances...)
}

type optsEnqueue struct {
	optsQueue

	Host      string   `long:"host" description:"Host to run on" required:"yes"`
	Job       string   `long:"job" description:"Job to run"`
	Instances []string `long:"instance" description:"Instance of the job (repeatable)"`
	StateFile string   `long:"state-file" description:"Resume from this state file (on the target host)"`
}

func (c *optsEnqueue) Execute(args []string) error {
	q, err := c.open()
	if err != nil {
		return err
	}
	defer q.Close()

	id, err := q.Enqueue(c.Host, &queue.Request{Job: c.Job, Instances: c.Instances, StateFile: c.StateFile})
	if err != nil {
		return err
	}
	logger.With(logger.Fields{"host": c.Host, "job": c.Job, "id": id}).Info("queued")
	return nil
}

type optsCancel struct {
	optsQueue

	ID string `long:"id" description:"Request id printed by enqueue" required:"yes"`
}

func (c *optsCancel) Execute(args []string) error {
	q, err := c.open()
	if err != nil {
		return err
	}
	defer q.Close()

	if err := q.Kill(c.ID); err != nil {
		return err
	}
	logger.With(logger.Fields{"id": c.ID}).Info("request withdrawn")
	return nil
}

// splitJob splits "name/instance".
func splitJob(s string) (string, string) {
	name, instance, _ := strings.Cut(s, "/")
	return name, instance
}
