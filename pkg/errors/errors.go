package errors

import (
	"fmt"
)

var (
	// configuration errors; fatal at construction, the job never enters the pipeline
	ErrConfig            = fmt.Errorf("configuration error")
	ErrMissingParam      = fmt.Errorf("required parameter missing")
	ErrParamNotAllowed   = fmt.Errorf("parameter not allowed")
	ErrUnknownType       = fmt.Errorf("unknown type")
	ErrUndefinedVariable = fmt.Errorf("undefined variable")
	ErrSubstitutionDepth = fmt.Errorf("variable substitution too deep")

	// copy errors
	ErrTransfer         = fmt.Errorf("transfer failed")
	ErrRetriesExhausted = fmt.Errorf("retries exhausted")

	// hook script errors
	ErrHookFailed = fmt.Errorf("hook failed")

	// cross host protocol errors
	ErrTimeout      = fmt.Errorf("timeout")
	ErrRemoteError  = fmt.Errorf("remote job reported error")
	ErrNoReport     = fmt.Errorf("no remote report")
	ErrNotAddressed = fmt.Errorf("remote report not addressed to this host")

	// report sink errors; the sink is skipped, the job still runs
	ErrUnavailable = fmt.Errorf("report target unavailable")

	ErrJobFailed    = fmt.Errorf("job failed")
	ErrInvalidState = fmt.Errorf("invalid state")
	ErrInvalidArg   = fmt.Errorf("invalid arg")
	ErrLocked       = fmt.Errorf("lock held")
	ErrNotSupported = fmt.Errorf("not supported")
)
