package structs

import (
	"time"
)

// JobReport is a point-in-time snapshot of a Job and its Destinations.
//
// Built on demand and never mutated after it is handed to a report sink.
type JobReport struct {
	Direction      Direction `json:"direction"`
	Name           string    `json:"name"`
	Host           string    `json:"host"`
	Instance       string    `json:"instance"`
	MasterHost     string    `json:"master_host"`
	MasterInstance string    `json:"master_instance"`
	StartTime      time.Time `json:"start_time"`
	Step           Step      `json:"step"`
	Status         Status    `json:"status"`
	DataAge        string    `json:"data_age"`

	Destinations []*DestReport `json:"destinations"`
}

// DestReport is the snapshot of one destination.
type DestReport struct {
	Name   string     `json:"name"`
	Type   DestType   `json:"type"`
	Path   string     `json:"path"`
	Status CopyStatus `json:"status"`
}

// Destination returns the named destination report, or nil.
func (r *JobReport) Destination(name string) *DestReport {
	for _, d := range r.Destinations {
		if d.Name == name {
			return d
		}
	}
	return nil
}

// ResumeState is everything we persist when a job fails permanently, so that
// an operator can continue it later.
type ResumeState struct {
	// RunID of the run that failed
	RunID string `json:"run_id"`

	// Section is the config section the job was built from (ie. "job:foo")
	Section string `json:"section"`

	// Report is the job state at the time of failure
	Report *JobReport `json:"report"`

	// Retries is the remaining credit per destination name
	Retries map[string]int `json:"retries"`

	WrittenAt time.Time `json:"written_at"`
}
