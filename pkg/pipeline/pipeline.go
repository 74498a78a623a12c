package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/voidshard/b1k/pkg/config"
	"github.com/voidshard/b1k/pkg/job"
	"github.com/voidshard/b1k/pkg/structs"
)

const (
	stagePre  = "pre"
	stageCopy = "copy"
	stagePost = "post"
)

// Item is what travels through the pipeline: a job descriptor that the pre
// stage resolves into a Job.
type Item struct {
	Section  string
	Instance string

	// Resume, if set, rebuilds a failed run & skips the pre stage
	Resume *structs.ResumeState

	Job *job.Job

	once sync.Once
}

// Pipeline chains the pre, copy & post stages.
type Pipeline struct {
	cfg  *config.Store
	opts *job.Options

	pre  *Dispatcher[*Item]
	copy *Dispatcher[*Item]
	post *Dispatcher[*Item]

	onFinish func(*Item)
}

// New returns a pipeline building jobs from cfg. onFinish (may be nil) is
// called exactly once for every item, however it leaves the pipeline.
func New(cfg *config.Store, opts *job.Options, onFinish func(*Item)) *Pipeline {
	p := &Pipeline{cfg: cfg, opts: opts, onFinish: onFinish}

	p.post = NewDispatcher[*Item](stagePost, p.processPost, nil)
	p.copy = NewDispatcher[*Item](stageCopy, p.processCopy, p.post)
	p.pre = NewDispatcher[*Item](stagePre, p.processPre, p.copy)

	drop := func(it *Item, err error) { p.finished(it) }
	p.pre.OnDrop = drop
	p.copy.OnDrop = drop
	p.post.OnDrop = drop

	return p
}

// Start runs all stages.
func (p *Pipeline) Start(ctx context.Context) {
	p.post.Start(ctx)
	p.copy.Start(ctx)
	p.pre.Start(ctx)
}

// Queue seeds a job instance into the pre stage.
func (p *Pipeline) Queue(section, instance string) *Item {
	it := &Item{Section: section, Instance: instance}
	p.pre.Queue(it, time.Time{})
	return it
}

// QueueResume seeds a failed run for continuation.
func (p *Pipeline) QueueResume(state *structs.ResumeState) *Item {
	it := &Item{Section: state.Section, Instance: state.Report.Instance, Resume: state}
	p.pre.Queue(it, time.Time{})
	return it
}

// Finish refuses new work; stages exit in order as each drains.
func (p *Pipeline) Finish() {
	p.pre.Finish()
}

// Wait blocks until every stage has exited.
func (p *Pipeline) Wait() {
	<-p.post.Done()
}

// finished closes the item's job & reports it, once.
func (p *Pipeline) finished(it *Item) {
	it.once.Do(func() {
		if it.Job != nil {
			if err := it.Job.Close(); err != nil {
				it.Job.Log().WithError(err).Warn("failed to close report sinks")
			}
		}
		if p.onFinish != nil {
			p.onFinish(it)
		}
	})
}

// Succeeded is true if the item's job made it to DONE without failing.
func (it *Item) Succeeded() bool {
	return it.Job != nil && it.Job.Step() == structs.DONE && it.Job.Status() != structs.FAILED
}
