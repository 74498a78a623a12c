package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/voidshard/b1k/internal/logger"
	"github.com/voidshard/b1k/pkg/errors"
	"github.com/voidshard/b1k/pkg/hook"
	"github.com/voidshard/b1k/pkg/job"
	"github.com/voidshard/b1k/pkg/structs"
)

// processPre resolves the descriptor into a Job, runs intro() & the pre hook.
func (p *Pipeline) processPre(ctx context.Context, it *Item) error {
	log := logger.With(logger.Fields{"stage": stagePre, "job": it.Section, "instance": it.Instance})

	if it.Resume != nil {
		j, err := job.Resume(ctx, p.cfg, it.Resume, p.opts)
		if err != nil {
			return fmt.Errorf("could not resume job '%s' (instance '%s'): %w", it.Section, it.Instance, err)
		}
		it.Job = j
		p.copy.Queue(it, time.Time{})
		return nil
	}

	j, err := job.New(ctx, p.cfg, it.Section, it.Instance, p.opts)
	if stderrors.Is(err, errors.ErrNoReport) {
		log.WithError(err).Warn("could not create pull job")
		return err
	} else if err != nil {
		return fmt.Errorf("could not create job '%s' (instance '%s'): %w", it.Section, it.Instance, err)
	}
	it.Job = j

	if err := j.SetStep(ctx, structs.PRE); err != nil {
		return err
	}

	j.Log().Debug("running intro")
	if err := j.Intro(ctx); err != nil {
		j.Fail(ctx, err)
		return fmt.Errorf("intro failed: %w", err)
	}

	if j.Pre != "" {
		if err := hook.Run(ctx, stagePre, j.Pre); err != nil {
			j.Fail(ctx, err)
			return err
		}
	} else {
		j.Log().Debug("no pre script")
	}

	p.copy.Queue(it, time.Time{})
	return nil
}

type copyResult struct {
	dest *job.Destination
	err  error
}

// processCopy runs one copy pass over every pending destination.
//
// Background destinations run concurrently; the rest run one at a time in
// order. Job state is only changed here, never from the copy goroutines.
func (p *Pipeline) processCopy(ctx context.Context, it *Item) error {
	j := it.Job
	if err := j.SetStep(ctx, structs.COPYING); err != nil {
		return err
	}

	pending := j.Pending()
	results := make(chan copyResult, len(pending))
	background := 0

	for _, d := range pending {
		if err := j.BeginCopy(ctx, d); err != nil {
			return err
		}
		j.Log().WithField("dest", d.Name).Infof("copying (background: %v)", d.Background)

		if d.Background {
			background++
			go func(d *job.Destination) {
				results <- copyResult{dest: d, err: j.Attempt(ctx, d)}
			}(d)
			continue
		}
		j.FinishCopy(ctx, d, j.Attempt(ctx, d))
	}

	for ; background > 0; background-- {
		r := <-results
		j.FinishCopy(ctx, r.dest, r.err)
	}

	warning, failed := j.Outcome()
	switch {
	case warning:
		if err := j.SetStatus(ctx, structs.WARNING); err != nil {
			return err
		}
		j.Log().Infof("putting job back on the copy queue, retrying in %s", j.RetrySleep)
		p.copy.Queue(it, time.Now().Add(j.RetrySleep))
	case failed:
		if err := j.SetStatus(ctx, structs.FAILED); err != nil {
			return err
		}
		if err := j.WriteState(); err != nil {
			j.Log().WithError(err).Warn("could not write job state, failed copies can't be continued")
		}
		return fmt.Errorf("%w: job '%s' failed permanently on copying", errors.ErrRetriesExhausted, j.FullName())
	default:
		if err := j.SetStatus(ctx, structs.OK); err != nil {
			return err
		}
		if err := j.RemoveState(); err != nil {
			j.Log().WithError(err).Warn("could not remove job state")
		}
		p.post.Queue(it, time.Time{})
	}
	return nil
}

// processPost runs the post hook & outro(); the job ends here either way.
func (p *Pipeline) processPost(ctx context.Context, it *Item) error {
	j := it.Job
	defer p.finished(it)

	if err := j.SetStep(ctx, structs.POST); err != nil {
		return err
	}

	if j.Post != "" {
		if err := hook.Run(ctx, stagePost, j.Post); err != nil {
			j.Fail(ctx, err)
		} else if err := j.SetStep(ctx, structs.DONE); err != nil {
			return err
		}
	} else {
		j.Log().Debug("no post script")
		if err := j.SetStep(ctx, structs.DONE); err != nil {
			return err
		}
	}

	j.Log().Debug("running outro")
	if err := j.Outro(ctx); err != nil {
		j.Fail(ctx, err)
		return fmt.Errorf("outro failed: %w", err)
	}

	j.Log().Infof("job finished: %s", j.Status())
	return nil
}
