package job

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/rand"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voidshard/b1k/internal/logger"
	"github.com/voidshard/b1k/pkg/config"
	"github.com/voidshard/b1k/pkg/errors"
	"github.com/voidshard/b1k/pkg/report"
	"github.com/voidshard/b1k/pkg/structs"
	"github.com/voidshard/b1k/pkg/transfer"
)

var (
	// timeNow is overridden in tests
	timeNow = time.Now

	destToken   = regexp.MustCompile(`[a-zA-Z][-_&/a-zA-Z0-9]*`)
	reportToken = regexp.MustCompile(`[a-zA-Z][-_a-zA-Z0-9]*`)
)

var (
	pushRequired    = []string{"type", "direction", "dest", "report", "include"}
	pushAllowed     = []string{"exclude", "pre", "post", "instances", "data_age", "master_host", "master_instance"}
	passiveRequired = []string{"direction", "dest", "report"}
	passiveAllowed  = []string{"pre", "post", "instances"}
	pullRequired    = []string{"type", "direction", "dest", "report", "include", "report_source", "report_poll_wait", "report_poll_retries"}
	pullAllowed     = []string{"exclude", "instances"}

	activeRequired  = []string{"type", "path"}
	activeAllowed   = []string{"verbosity", "exclude"}
	passiveDestKeys = []string{"type", "host", "timeout"}
)

const (
	defaultCopyRetries     = "3"
	defaultRetryMinSleep   = "60"
	defaultTransferTimeout = "20"
	defaultVerbosity       = "1"
)

// Options are the runtime collaborators of a Job.
type Options struct {
	// Host is this host's name, defaults to os.Hostname()
	Host string

	// Engine moves the data
	Engine transfer.Engine

	// OpenSink builds a sink from a report section name, defaults to report.Open
	OpenSink func(ctx context.Context, cfg *config.Store, name string) (report.Sink, error)
}

// Hostname is Host, or the name of this machine.
func (o *Options) Hostname() (string, error) {
	if o.Host != "" {
		return o.Host, nil
	}
	return os.Hostname()
}

// New builds a Job for the given job section ("job:<name>") & instance,
// choosing push, passive or pull behaviour from its direction.
//
// Any configuration problem is returned as an error; the job never runs.
// Pull jobs fetch the remote status document as part of construction.
func New(ctx context.Context, cfg *config.Store, section, instance string, opts *Options) (*Job, error) {
	return build(ctx, cfg, section, instance, timeNow().Truncate(time.Second), opts)
}

func build(ctx context.Context, cfg *config.Store, section, instance string, start time.Time, opts *Options) (*Job, error) {
	host, err := opts.Hostname()
	if err != nil {
		return nil, err
	}
	name := strings.TrimPrefix(section, config.PrefixJob)
	start = start.Round(0)

	cfg = cfg.Overlay(section, map[string]string{
		"name":       name,
		"host":       host,
		"instance":   instance,
		"start_time": report.SafeTime(start),
	})

	direction, err := cfg.Get(section, "direction")
	if err != nil {
		return nil, err
	}

	j := &Job{
		RunID:     uuid.NewString(),
		Section:   section,
		Name:      name,
		Instance:  instance,
		Host:      host,
		Direction: structs.Direction(direction),
		StartTime: start,
		step:      structs.INIT,
		status:    structs.OK,
		engine:    opts.Engine,
	}

	switch j.Direction {
	case structs.DirectionPush:
		err = cfg.Validate(section, pushRequired, pushAllowed)
		j.role = pushRole{}
	case structs.DirectionPassive:
		err = cfg.Validate(section, passiveRequired, passiveAllowed)
		j.role = passiveRole{}
	case structs.DirectionPull:
		err = cfg.Validate(section, pullRequired, pullAllowed)
	default:
		return nil, fmt.Errorf("%w: direction '%s' for job '%s'", errors.ErrUnknownType, direction, name)
	}
	if err != nil {
		return nil, err
	}

	if err := j.parseParams(cfg); err != nil {
		return nil, err
	}

	if j.Direction == structs.DirectionPull {
		role, err := newPullRole(ctx, cfg, j)
		if err != nil {
			return nil, err
		}
		j.role = role
	}

	if err := j.parseReports(ctx, cfg, opts); err != nil {
		j.Close()
		return nil, err
	}
	if err := j.parseDests(cfg); err != nil {
		j.Close()
		return nil, err
	}

	j.Log().Debugf("created %s job", j.Direction)
	j.publish(ctx)
	return j, nil
}

// parseParams reads the job & global parameters.
func (j *Job) parseParams(cfg *config.Store) error {
	section := j.Section
	var err error

	if j.Direction != structs.DirectionPassive {
		kind, err := cfg.Get(section, "type")
		if err != nil {
			return err
		}
		j.Type = structs.JobType(kind)
		if j.Type != structs.JobSync && j.Type != structs.JobFull {
			return fmt.Errorf("%w: job type '%s'", errors.ErrUnknownType, kind)
		}

		include, err := cfg.Get(section, "include")
		if err != nil {
			return err
		}
		j.Include = strings.Fields(include)
	}

	exclude, err := cfg.GetDefault(section, "exclude", "")
	if err != nil {
		return err
	}
	j.Exclude = strings.Fields(exclude)

	if j.MasterHost, err = cfg.GetExecDefault(section, "master_host", ""); err != nil {
		return err
	}
	if j.MasterInstance, err = cfg.GetExecDefault(section, "master_instance", ""); err != nil {
		return err
	}
	if j.DataAge, err = cfg.GetExecDefault(section, "data_age", "0"); err != nil {
		return err
	}
	if j.Pre, err = cfg.GetDefault(section, "pre", ""); err != nil {
		return err
	}
	if j.Post, err = cfg.GetDefault(section, "post", ""); err != nil {
		return err
	}

	if j.StatusDir, err = cfg.Get(config.Global, "status_dir"); err != nil {
		return err
	}
	if j.RetrySleep, err = seconds(cfg, config.Global, "copy_retry_min_sleep", defaultRetryMinSleep); err != nil {
		return err
	}
	j.TransferTimeout, err = seconds(cfg, config.Global, "transfer_timeout", defaultTransferTimeout)
	return err
}

func newPullRole(ctx context.Context, cfg *config.Store, j *Job) (*pullRole, error) {
	source, err := cfg.Get(j.Section, "report_source")
	if err != nil {
		return nil, err
	}
	wait, err := seconds(cfg, j.Section, "report_poll_wait", "")
	if err != nil {
		return nil, err
	}
	retries, err := integer(cfg, j.Section, "report_poll_retries", "")
	if err != nil {
		return nil, err
	}

	rm, err := dialRemote(ctx, j.engine, source, j.Host, j.Name, j.Instance, j.TransferTimeout)
	if err != nil {
		return nil, err
	}
	return &pullRole{remote: rm, wait: wait, retries: retries}, nil
}

// parseReports opens every sink named by the job's `report` list.
//
// A report that can't be reached is skipped; the backup matters more than
// its bookkeeping. Configuration errors are fatal.
func (j *Job) parseReports(ctx context.Context, cfg *config.Store, opts *Options) error {
	value, err := cfg.Get(j.Section, "report")
	if err != nil {
		return err
	}
	open := opts.OpenSink
	if open == nil {
		open = report.Open
	}

	for _, name := range reportToken.FindAllString(value, -1) {
		sink, err := open(ctx, cfg, name)
		if stderrors.Is(err, errors.ErrUnavailable) {
			logger.With(logger.Fields{"job": j.Name, "report": name}).WithError(err).Warn("report unavailable, skipping it for this run")
			continue
		}
		if err != nil {
			return fmt.Errorf("report '%s' of job '%s': %w", name, j.Name, err)
		}
		j.sinks = append(j.sinks, sink)

		if f, ok := sink.(*report.File); ok {
			if j.file != nil {
				return fmt.Errorf("%w: job '%s' has more than one file report", errors.ErrConfig, j.Name)
			}
			j.file = f
		}
	}
	return nil
}

// parseDests builds destinations from the job's `dest` list.
//
// `name&` marks a background destination, `a/b/c` is a group copied in
// random order.
func (j *Job) parseDests(cfg *config.Store) error {
	value, err := cfg.Get(j.Section, "dest")
	if err != nil {
		return err
	}

	for _, tok := range destToken.FindAllString(value, -1) {
		bg := strings.HasSuffix(tok, "&")
		tok = strings.ReplaceAll(tok, "&", "")

		group := strings.Split(tok, "/")
		rand.Shuffle(len(group), func(a, b int) { group[a], group[b] = group[b], group[a] })

		for _, name := range group {
			if name == "" {
				continue
			}
			d, err := j.newDest(cfg, name, bg)
			if err != nil {
				return fmt.Errorf("destination '%s' of job '%s': %w", name, j.Name, err)
			}
			j.dests = append(j.dests, d)
		}
	}

	if len(j.dests) < 1 {
		return fmt.Errorf("%w: no destinations for job '%s'", errors.ErrConfig, j.Name)
	}
	if j.Direction == structs.DirectionPull && len(j.dests) > 1 {
		return fmt.Errorf("%w: pull job '%s' can have only one destination", errors.ErrConfig, j.Name)
	}
	return nil
}

func (j *Job) newDest(cfg *config.Store, name string, bg bool) (*Destination, error) {
	section := config.PrefixDest + name
	kind, err := cfg.Get(section, "type")
	if err != nil {
		return nil, err
	}

	d := &Destination{Name: name, Type: structs.DestType(kind), Background: bg, status: structs.CopyInit}

	switch d.Type {
	case structs.DestActive:
		if j.Direction == structs.DirectionPassive {
			return nil, fmt.Errorf("%w: passive job with active destination", errors.ErrConfig)
		}
		if err := cfg.Validate(section, activeRequired, activeAllowed); err != nil {
			return nil, err
		}
		path, err := cfg.Get(section, "path")
		if err != nil {
			return nil, err
		}
		if !strings.HasSuffix(path, "/") {
			path += "/"
		}
		d.Path = path + j.path()

		exclude, err := cfg.GetDefault(section, "exclude", "")
		if err != nil {
			return nil, err
		}
		verbosity, err := integer(cfg, section, "verbosity", defaultVerbosity)
		if err != nil {
			return nil, err
		}
		if d.retries, err = integer(cfg, config.Global, "copy_retries", defaultCopyRetries); err != nil {
			return nil, err
		}

		p := push{exclude: strings.Fields(exclude), verbosity: verbosity}
		if pr, ok := j.role.(*pullRole); ok {
			d.copier = &pullPoll{push: p, remote: pr.remote}
		} else {
			d.copier = &p
		}
	case structs.DestPassive:
		if j.file == nil {
			return nil, fmt.Errorf("%w: passive destination needs a job with a file report", errors.ErrConfig)
		}
		if err := cfg.Validate(section, passiveDestKeys, nil); err != nil {
			return nil, err
		}
		host, err := cfg.Get(section, "host")
		if err != nil {
			return nil, err
		}
		timeout, err := seconds(cfg, section, "timeout", "")
		if err != nil {
			return nil, err
		}
		// the pulling side decides where data goes; we note who should pull
		d.Path = report.PullPath(host)
		// pulled destinations are never retried
		d.retries = 0
		d.copier = &passiveWait{host: host, timeout: timeout}
	default:
		return nil, fmt.Errorf("%w: destination type '%s'", errors.ErrUnknownType, kind)
	}
	return d, nil
}

// path is the job specific part of a destination path:
// `<job>/[<date>/]<host>[-<instance>][-<master_host>][-<master_instance>][-<timestamp>]/`
func (j *Job) path() string {
	var b strings.Builder
	b.WriteString(j.Name + "/")
	if j.Type == structs.JobFull {
		b.WriteString(j.StartTime.Format("2006-01-02-Monday") + "/")
	}
	b.WriteString(j.Host)
	for _, part := range []string{j.Instance, j.MasterHost, j.MasterInstance} {
		if part != "" {
			b.WriteString("-" + part)
		}
	}
	if j.Type == structs.JobFull {
		b.WriteString("-" + j.StartTime.Format("2006-01-02-Mon-15:04:05"))
	}
	b.WriteString("/")
	return b.String()
}

func integer(cfg *config.Store, section, key, def string) (int, error) {
	var (
		v   string
		err error
	)
	if def == "" {
		v, err = cfg.Get(section, key)
	} else {
		v, err = cfg.GetDefault(section, key, def)
	}
	if err != nil {
		return 0, err
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%w: '%s' in section '%s' is not a number: %s", errors.ErrConfig, key, section, v)
	}
	return i, nil
}

func seconds(cfg *config.Store, section, key, def string) (time.Duration, error) {
	i, err := integer(cfg, section, key, def)
	return time.Duration(i) * time.Second, err
}
