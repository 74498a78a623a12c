package queue

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hibiken/asynq"

	"github.com/voidshard/b1k/internal/logger"
	"github.com/voidshard/b1k/pkg/errors"
)

const (
	asyncTaskType    = "b1k:run"
	asyncQueuePrefix = "b1k:host:"
	asyncAggMaxSize  = 100
	asyncAggMaxDelay = 2 * time.Second
	asyncAggRune     = "¬"
)

// Asynq is a Queue backed by Redis via asynq. Every host consumes its own
// queue, so a request is enqueued for a particular host.
type Asynq struct {
	opts *Options
	conn asynq.RedisConnOpt

	// the asynq client & inspector
	ins *asynq.Inspector
	cli *asynq.Client

	// if register is called we're intended to start a server
	lock sync.Mutex
	mux  *asynq.ServeMux
	srv  *asynq.Server
	host string
}

// NewAsynqQueue connects to the Redis given in opts.
func NewAsynqQueue(opts *Options) (*Asynq, error) {
	conn, err := redisConn(opts)
	if err != nil {
		return nil, err
	}
	return &Asynq{
		opts: opts,
		conn: conn,
		ins:  asynq.NewInspector(conn),
		cli:  asynq.NewClient(conn),
	}, nil
}

func redisConn(opts *Options) (asynq.RedisConnOpt, error) {
	conn, err := asynq.ParseRedisURI(opts.URL)
	if err != nil {
		return nil, err
	}
	if cli, ok := conn.(asynq.RedisClientOpt); ok && opts.TLSConfig != nil {
		cli.TLSConfig = opts.TLSConfig
		return cli, nil
	}
	return conn, nil
}

// Close shuts down the server (if any) & client.
func (a *Asynq) Close() error {
	if a.srv != nil {
		a.srv.Stop()
		a.srv.Shutdown()
	}
	var errs *multierror.Error
	if err := a.cli.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := a.ins.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// Register the handler for requests addressed to host.
func (a *Asynq) Register(host string, handler func(ctx context.Context, work []*Meta)) error {
	if a.mux == nil {
		a.buildServer(host)
	}
	a.mux.HandleFunc(aggregatedTask(host), func(ctx context.Context, t *asynq.Task) error {
		meta := deaggregateTasks(t)
		if len(meta) == 0 {
			return nil
		}
		handler(ctx, meta)
		return results(meta)
	})
	return nil
}

// Run processes requests until Close is called.
func (a *Asynq) Run() error {
	if a.srv == nil {
		return fmt.Errorf("no handler registered")
	}
	return a.srv.Run(a.mux)
}

// Kill removes a request that no worker has picked up yet.
func (a *Asynq) Kill(queuedID string) error {
	queues, err := a.ins.Queues()
	if err != nil {
		return err
	}
	for _, q := range queues {
		if !strings.HasPrefix(q, asyncQueuePrefix) {
			continue
		}
		err := a.ins.DeleteTask(q, queuedID)
		if stderrors.Is(err, asynq.ErrTaskNotFound) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: no queued request '%s'", errors.ErrInvalidArg, queuedID)
}

// Enqueue a request for host.
func (a *Asynq) Enqueue(host string, req *Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	payload, err := req.encode()
	if err != nil {
		return "", err
	}
	qtask := asynq.NewTask(asyncTaskType, payload)
	info, err := a.cli.Enqueue(qtask, asynq.Queue(hostQueue(host)), asynq.Group(aggregatedTask(host)), asynq.MaxRetry(0))
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

// results folds per request errors into the batch result. Batches are never
// retried; parts of them have already run.
func results(meta []*Meta) error {
	var errs *multierror.Error
	for _, m := range meta {
		if m.err != nil {
			errs = multierror.Append(errs, fmt.Errorf("job '%s': %w", m.Request.Job, m.err))
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return nil
}

func deaggregateTasks(t *asynq.Task) []*Meta {
	ms := []*Meta{}
	for _, load := range bytes.Split(t.Payload(), []byte(asyncAggRune)) {
		load = bytes.TrimSpace(load)
		if len(load) == 0 {
			continue
		}
		req, err := decodeRequest(load)
		if err != nil {
			logger.With(logger.Fields{"payload": string(load)}).WithError(err).Warn("dropping bad run request")
			continue
		}
		ms = append(ms, &Meta{Request: req})
	}
	return ms
}

func (a *Asynq) buildServer(host string) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.mux != nil {
		// someone locked and set this first
		return
	}
	srv := asynq.NewServer(
		a.conn,
		asynq.Config{
			Concurrency:     1,
			Queues:          map[string]int{hostQueue(host): 1},
			GroupAggregator: asynq.GroupAggregatorFunc(aggregate),
			GroupMaxSize:    asyncAggMaxSize,
			GroupMaxDelay:   asyncAggMaxDelay,
			Logger:          logger.Logger(),
		},
	)
	a.srv = srv
	a.mux = asynq.NewServeMux()
	a.host = host
}

func aggregate(group string, tasks []*asynq.Task) *asynq.Task {
	var b strings.Builder
	for _, t := range tasks {
		if t == nil || t.Payload() == nil {
			continue
		}
		b.Write(t.Payload())
		b.WriteString(asyncAggRune)
	}
	return asynq.NewTask(group, []byte(b.String()))
}

func hostQueue(host string) string {
	return asyncQueuePrefix + host
}

func aggregatedTask(host string) string {
	return fmt.Sprintf("aggregated:%s", host)
}
