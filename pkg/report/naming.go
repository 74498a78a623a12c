package report

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

const (
	// Suffix of status documents
	Suffix = ".b1k"

	// StateSuffix is the suffix of resumption state files
	StateSuffix = ".b1ks"

	// MarkerDone & MarkerError are the states a pull side writes for a passive side
	MarkerDone  = "done"
	MarkerError = "error"

	// PullScheme prefixes the path of a destination that is pulled by a remote host
	PullScheme = "pull://"

	// safeTimeLayout is used where the start time is part of a file name
	safeTimeLayout = "2006-01-02-15-04-05"

	// docTimeLayout is used inside status documents & SQL rows
	docTimeLayout = "2006-01-02 15:04:05"
)

// SafeTime formats a start time for use in file names.
func SafeTime(t time.Time) string {
	return t.Format(safeTimeLayout)
}

// DocumentName is the base name of the status document of a job run:
// `<job>-<instance>-<start_time>.b1k`.
func DocumentName(job, instance string, start time.Time) string {
	return fmt.Sprintf("%s-%s-%s%s", job, instance, SafeTime(start), Suffix)
}

// DocumentGlob matches the status documents of any run of job/instance.
func DocumentGlob(job, instance string) string {
	return fmt.Sprintf("%s-%s-*%s", job, instance, Suffix)
}

// MarkerName is the name of the notification a pull side on `host` leaves next to
// the status document `base`: `<base>.<host>.<done|error>`.
func MarkerName(base, host, state string) string {
	return fmt.Sprintf("%s.%s.%s", base, host, state)
}

// MarkerGlob matches every marker `host` may leave next to `base`.
func MarkerGlob(base, host string) string {
	return fmt.Sprintf("%s.%s.*", base, host)
}

// StaleMarkerGlob matches markers left for any run of job/instance.
func StaleMarkerGlob(job, instance string) string {
	return fmt.Sprintf("%s-%s-*%s.*", job, instance, Suffix)
}

// MarkerBase returns the status document a marker file refers to.
func MarkerBase(marker string) string {
	dir, name := filepath.Split(marker)
	idx := strings.Index(name, Suffix+".")
	if idx < 0 {
		return marker
	}
	return dir + name[:idx+len(Suffix)]
}

// MarkerState returns the state encoded in a marker file name.
func MarkerState(marker string) string {
	idx := strings.LastIndex(marker, ".")
	if idx < 0 {
		return ""
	}
	return marker[idx+1:]
}

// StateName is the name of the resumption state file of a job run:
// `<host>-<job>-<instance>-<start_time>.b1ks`.
func StateName(host, job, instance string, start time.Time) string {
	return fmt.Sprintf("%s-%s-%s-%s%s", host, job, instance, SafeTime(start), StateSuffix)
}

// PullPath is the path reported for a destination that `host` pulls from.
func PullPath(host string) string {
	return PullScheme + host
}
