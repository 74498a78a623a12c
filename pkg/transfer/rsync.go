package transfer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/voidshard/b1k/internal/logger"
	"github.com/voidshard/b1k/internal/utils"
	"github.com/voidshard/b1k/pkg/errors"
)

const (
	defaultTimeout = 20 * time.Second
	maxVerbosity   = 3
	rsyncScheme    = "rsync://"
)

var (
	// rsync://host/module/sub/dirs -> (rsync://host/module, sub/dirs)
	rsyncRemote = regexp.MustCompile(`^(rsync://[^/]+/[^/]+)/(.+)$`)
)

// Rsync is an Engine that shells out to rsync.
type Rsync struct {
	// Command is the rsync binary (default "rsync")
	Command string

	// Options are rsync short (single letter) or long options, without dashes
	Options []string
}

// NewRsync returns an rsync Engine with archive & compression on.
func NewRsync() *Rsync {
	return &Rsync{Command: "rsync", Options: []string{"a", "z"}}
}

// Run creates the destination directory structure, then runs rsync.
func (r *Rsync) Run(ctx context.Context, req *Request) error {
	if len(req.Sources) == 0 {
		return fmt.Errorf("%w: no source given for %s", errors.ErrInvalidArg, req.Name)
	}
	if err := r.mkdir(ctx, req); err != nil {
		return fmt.Errorf("%w: could not create directory '%s': %v", errors.ErrTransfer, req.Destination, err)
	}

	args := r.args(req)
	logger.With(logger.Fields{"transfer": req.Name}).Debugf("running %s %s", r.command(), strings.Join(args, " "))

	err := utils.RunAndLog(ctx, "rsync "+req.Name, exec.CommandContext(ctx, r.command(), args...))
	if err != nil {
		return fmt.Errorf("%w: rsync %s: %v", errors.ErrTransfer, req.Name, err)
	}
	return nil
}

func (r *Rsync) command() string {
	if r.Command == "" {
		return "rsync"
	}
	return r.Command
}

func timeoutArgs(req *Request) []string {
	t := req.Timeout
	if t <= 0 {
		t = defaultTimeout
	}
	secs := int(t.Seconds())
	return []string{fmt.Sprintf("--timeout=%d", secs), fmt.Sprintf("--contimeout=%d", secs)}
}

// args builds the rsync argument list for the request.
func (r *Rsync) args(req *Request) []string {
	args := []string{}
	for _, e := range req.Excludes {
		if e == "" {
			continue
		}
		args = append(args, "--exclude", e)
	}
	if strings.HasPrefix(req.Destination, rsyncScheme) {
		// --contimeout is only valid when talking to an rsync daemon
		args = append(args, timeoutArgs(req)...)
	} else {
		args = append(args, timeoutArgs(req)[0])
	}

	short := ""
	for _, o := range r.Options {
		if len(o) == 1 {
			short += o
		} else {
			args = append(args, "--"+o)
		}
	}
	if short != "" {
		args = append(args, "-"+short)
	}

	v := req.Verbosity
	if v > maxVerbosity {
		v = maxVerbosity
	}
	if v > 0 {
		args = append(args, "-"+strings.Repeat("v", v))
	}

	args = append(args, req.Sources...)
	return append(args, req.Destination)
}

// mkdir creates the directory structure for req.Destination.
func (r *Rsync) mkdir(ctx context.Context, req *Request) error {
	dst := req.Destination
	switch {
	case strings.HasPrefix(dst, rsyncScheme):
		chunks := rsyncRemote.FindStringSubmatch(strings.TrimRight(dst, "/"))
		if chunks == nil {
			logger.Debugf("no subdirectories to create on remote '%s'", dst)
			return nil
		}
		root, subdir := chunks[1], chunks[2]

		// rsync has no mkdir; send an empty tree shaped like the path instead
		tmp, err := os.MkdirTemp("", "b1k-rsync-mkdir-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(tmp)
		if err := os.MkdirAll(filepath.Join(tmp, subdir), 0755); err != nil {
			return err
		}

		logger.Debugf("creating subdirectories '%s' on '%s'", subdir, root)
		args := append(timeoutArgs(req), "-rq", tmp+"/", root+"/")
		return utils.RunAndLog(ctx, "rsync mkdir", exec.CommandContext(ctx, r.command(), args...))
	case strings.HasPrefix(dst, "/"):
		return os.MkdirAll(dst, 0755)
	default:
		return fmt.Errorf("%w: don't know how to create directories for '%s'", errors.ErrNotSupported, dst)
	}
}
