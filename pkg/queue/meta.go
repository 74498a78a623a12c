package queue

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/voidshard/b1k/pkg/errors"
)

// Request asks a host to run a configured job.
type Request struct {
	// Job is the name of the job (without "job:")
	Job string `json:"job"`

	// Instances to run; empty means whatever the job configures
	Instances []string `json:"instances,omitempty"`

	// StateFile, if set, resumes a failed run from this state file instead
	StateFile string `json:"state_file,omitempty"`
}

// Validate checks the request names something to run.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Job) == "" && r.StateFile == "" {
		return fmt.Errorf("%w: request names no job and no state file", errors.ErrInvalidArg)
	}
	return nil
}

func (r *Request) encode() ([]byte, error) {
	return json.Marshal(r)
}

func decodeRequest(data []byte) (*Request, error) {
	r := &Request{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("%w: bad request payload: %v", errors.ErrInvalidArg, err)
	}
	return r, r.Validate()
}

// Meta includes a request & whatever became of it.
type Meta struct {
	Request *Request

	err error
}

// SetError will cause the request to be reported as failed.
//
// Failed requests are not retried; the job presence lock & the resumption
// state decide what happens next.
func (m *Meta) SetError(err error) {
	m.err = err
}

// Err is the error set on the request, if any.
func (m *Meta) Err() error {
	return m.err
}
