package structs

import (
	"strings"
)

// Step is where a Job is in the pipeline.
type Step string

const (
	INIT    Step = "INIT"
	PRE     Step = "PRE"
	COPYING Step = "COPYING"
	POST    Step = "POST"
	DONE    Step = "DONE"
)

// Status is the overall health of a Job.
type Status string

const (
	OK      Status = "OK"
	WARNING Status = "WARNING" // retryable
	FAILED  Status = "FAILED"  // terminal
)

// CopyStatus is the state of a single Destination.
type CopyStatus string

const (
	// transient states
	CopyInit    CopyStatus = "INIT"
	CopyCopying CopyStatus = "COPYING"
	CopyWarning CopyStatus = "WARNING"

	// end states
	CopyDone   CopyStatus = "DONE"
	CopyFailed CopyStatus = "FAILED"
)

var stepOrder = map[Step]int{
	INIT:    0,
	PRE:     1,
	COPYING: 2,
	POST:    3,
	DONE:    4,
}

// StepRank returns the position of the step in the pipeline, or -1 if unknown.
func StepRank(s Step) int {
	r, ok := stepOrder[s]
	if !ok {
		return -1
	}
	return r
}

// IsLegalStep reports whether a job may move from step `from` to step `to`.
//
// Steps only ever advance. The one permitted rewind is re-entering COPYING,
// which is only legal while the job is in WARNING.
func IsLegalStep(from, to Step, status Status) bool {
	if from == COPYING && to == COPYING {
		return status == WARNING
	}
	fr, tr := StepRank(from), StepRank(to)
	if fr < 0 || tr < 0 {
		return false
	}
	return tr > fr
}

// IsLegalStatus reports whether a job may move from status `from` to `to`.
func IsLegalStatus(from, to Status) bool {
	if ToStatus(string(to)) == "" {
		return false
	}
	return from != FAILED || to == FAILED
}

// IsFinalCopyStatus returns true for destination states that are never revisited.
func IsFinalCopyStatus(status CopyStatus) bool {
	switch status {
	case CopyDone, CopyFailed:
		return true
	default:
		return false
	}
}

func ToStep(s string) Step {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INIT":
		return INIT
	case "PRE":
		return PRE
	case "COPYING":
		return COPYING
	case "POST":
		return POST
	case "DONE":
		return DONE
	default:
		return ""
	}
}

func ToStatus(s string) Status {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OK":
		return OK
	case "WARNING":
		return WARNING
	case "FAILED":
		return FAILED
	default:
		return ""
	}
}

func ToCopyStatus(s string) CopyStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INIT":
		return CopyInit
	case "COPYING":
		return CopyCopying
	case "WARNING":
		return CopyWarning
	case "DONE":
		return CopyDone
	case "FAILED":
		return CopyFailed
	default:
		return ""
	}
}
