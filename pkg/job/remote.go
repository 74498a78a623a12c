package job

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/voidshard/b1k/internal/logger"
	"github.com/voidshard/b1k/pkg/errors"
	"github.com/voidshard/b1k/pkg/report"
	"github.com/voidshard/b1k/pkg/structs"
	"github.com/voidshard/b1k/pkg/transfer"
)

// remote is the status document of the passive job a pull job copies from.
type remote struct {
	engine  transfer.Engine
	source  string
	host    string
	timeout time.Duration

	mu       sync.Mutex
	file     string
	doc      *structs.JobReport
	dest     string
	notified bool
}

// dialRemote fetches the newest status document of job/instance from source &
// finds the destination addressed to host.
func dialRemote(ctx context.Context, engine transfer.Engine, source, host, job, instance string, timeout time.Duration) (*remote, error) {
	file, doc, err := fetchReport(ctx, engine, source, report.DocumentGlob(job, instance), timeout)
	if err != nil {
		return nil, err
	}

	want := report.PullPath(host)
	for _, d := range doc.Destinations {
		if d.Path == want {
			logger.With(logger.Fields{"job": job}).Debugf("report '%s' bound to pull job", file)
			return &remote{
				engine:  engine,
				source:  source,
				host:    host,
				timeout: timeout,
				file:    file,
				doc:     doc,
				dest:    d.Name,
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: job reported in '%s' is not for host '%s'", errors.ErrNotAddressed, file, host)
}

// fetchReport copies documents matching pattern from source into a scratch
// dir & parses the newest. The scratch dir is always removed.
func fetchReport(ctx context.Context, engine transfer.Engine, source, pattern string, timeout time.Duration) (string, *structs.JobReport, error) {
	tmp, err := os.MkdirTemp("", "b1k-remote-report-")
	if err != nil {
		return "", nil, err
	}
	defer os.RemoveAll(tmp)

	src := strings.TrimRight(source, "/") + "/" + pattern
	sources := []string{src}
	if strings.HasPrefix(source, "/") {
		// no shell & no daemon to expand the pattern for us
		sources, err = filepath.Glob(src)
		if err != nil {
			return "", nil, err
		}
		if len(sources) == 0 {
			return "", nil, fmt.Errorf("%w: nothing matches '%s'", errors.ErrNoReport, src)
		}
	}

	err = engine.Run(ctx, &transfer.Request{
		Name:        "remote_report",
		Sources:     sources,
		Destination: tmp + "/",
		Timeout:     timeout,
	})
	if err != nil {
		return "", nil, fmt.Errorf("%w: could not fetch '%s': %v", errors.ErrNoReport, src, err)
	}

	entries, err := os.ReadDir(tmp)
	if err != nil {
		return "", nil, err
	}
	names := []string{}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), report.Suffix) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", nil, fmt.Errorf("%w: no document fetched from '%s'", errors.ErrNoReport, src)
	}
	// start times sort lexically; take the newest run
	sort.Strings(names)
	name := names[len(names)-1]

	data, err := os.ReadFile(filepath.Join(tmp, name))
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", errors.ErrNoReport, err)
	}
	doc, err := report.Decode(data)
	if err != nil {
		return "", nil, err
	}
	return name, doc, nil
}

// refresh re-fetches the bound document, keeping the stale copy on failure.
func (r *remote) refresh(ctx context.Context) *structs.JobReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, doc, err := fetchReport(ctx, r.engine, r.source, r.file, r.timeout)
	if err != nil {
		logger.With(logger.Fields{"report": r.file}).WithError(err).Warn("could not fetch remote report, monitoring data may be inaccurate")
		return r.doc
	}
	r.doc = doc
	return doc
}

// notify leaves a zero length `<doc>.<host>.<state>` marker next to the
// remote document.
func (r *remote) notify(ctx context.Context, state string) error {
	tmp, err := os.MkdirTemp("", "b1k-remote-notify-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	marker := filepath.Join(tmp, report.MarkerName(r.file, r.host, state))
	f, err := os.Create(marker)
	if err != nil {
		return err
	}
	f.Close()

	logger.With(logger.Fields{"report": r.file}).Debugf("sending notification '%s' to '%s'", state, r.source)
	return r.engine.Run(ctx, &transfer.Request{
		Name:        "remote_notify",
		Sources:     []string{marker},
		Destination: r.source,
		Timeout:     r.timeout,
	})
}

// notifyOnce sends state unless a notification was already delivered. A
// failed send may be followed by another.
func (r *remote) notifyOnce(ctx context.Context, state string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.notified {
		return nil
	}
	if err := r.notify(ctx, state); err != nil {
		return err
	}
	r.notified = true
	return nil
}

// pullPoll copies from the remote host once it has the data ready.
type pullPoll struct {
	push
	remote *remote
}

func (p *pullPoll) copy(ctx context.Context, j *Job, d *Destination) error {
	doc := p.remote.refresh(ctx)
	if mine := doc.Destination(p.remote.dest); mine != nil && structs.IsFinalCopyStatus(mine.Status) {
		return fmt.Errorf("%w: remote destination '%s' is already %s", errors.ErrRemoteError, mine.Name, mine.Status)
	}
	return p.push.copy(ctx, j, d)
}
