package hook

import (
	"context"
	"fmt"

	"github.com/voidshard/b1k/internal/logger"
	"github.com/voidshard/b1k/internal/utils"
	"github.com/voidshard/b1k/pkg/errors"
)

// Run executes a pre/post hook script in its own goroutine & waits for it.
//
// Output is logged line by line at debug level. A non zero exit, a signal or
// ctx ending before the script does are all reported as ErrHookFailed.
func Run(ctx context.Context, kind, script string) error {
	name := utils.CommandName(script)
	log := logger.With(logger.Fields{"hook": kind, "proc": name})
	log.Infof("running %s script '%s'", kind, script)

	result := make(chan error, 1)
	go func() {
		result <- utils.RunAndLog(ctx, name, utils.ShellCommand(ctx, script))
	}()

	var err error
	select {
	case err = <-result:
	case <-ctx.Done():
		err = ctx.Err()
		<-result
	}
	if err != nil {
		log.WithError(err).Errorf("%s script '%s' failed", kind, script)
		return fmt.Errorf("%w: %s script '%s': %v", errors.ErrHookFailed, kind, script, err)
	}

	log.Infof("%s script done", kind)
	return nil
}
