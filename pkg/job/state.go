package job

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/voidshard/b1k/pkg/config"
	"github.com/voidshard/b1k/pkg/errors"
	"github.com/voidshard/b1k/pkg/report"
	"github.com/voidshard/b1k/pkg/structs"
)

var (
	stateBucket = []byte("state")
	stateKey    = []byte("resume")
)

// StatePath is where the resumption state of this run is written.
func (j *Job) StatePath() string {
	return filepath.Join(j.StatusDir, report.StateName(j.Host, j.Name, j.Instance, j.StartTime))
}

// WriteState persists everything needed to continue this run later.
func (j *Job) WriteState() error {
	path := j.StatePath()
	j.Log().Debugf("writing job state: %s", path)

	state := &structs.ResumeState{
		RunID:     j.RunID,
		Section:   j.Section,
		Report:    j.localReport(),
		Retries:   map[string]int{},
		WrittenAt: time.Now(),
	}
	for _, d := range j.dests {
		state.Retries[d.Name] = d.retries
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal job state: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("failed to open state file: %w", err)
	}
	defer db.Close()

	return db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(stateBucket)
		if err != nil {
			return err
		}
		return b.Put(stateKey, data)
	})
}

// RemoveState deletes the resumption state of this run, if any.
func (j *Job) RemoveState() error {
	err := os.Remove(j.StatePath())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// LoadState reads a resumption state file.
func LoadState(path string) (*structs.ResumeState, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open state file: %w", err)
	}
	defer db.Close()

	state := &structs.ResumeState{}
	err = db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(stateBucket)
		if b == nil {
			return fmt.Errorf("%w: no state in %s", errors.ErrInvalidArg, path)
		}
		data := b.Get(stateKey)
		if data == nil {
			return fmt.Errorf("%w: no state in %s", errors.ErrInvalidArg, path)
		}
		return json.Unmarshal(data, state)
	})
	if err != nil {
		return nil, err
	}
	if state.Report == nil || state.Section == "" {
		return nil, fmt.Errorf("%w: incomplete state in %s", errors.ErrInvalidArg, path)
	}
	return state, nil
}

// Resume rebuilds a failed run from its state: same start time, destinations
// that were DONE stay DONE, everything else starts over with fresh credit.
func Resume(ctx context.Context, cfg *config.Store, state *structs.ResumeState, opts *Options) (*Job, error) {
	j, err := build(ctx, cfg, state.Section, state.Report.Instance, state.Report.StartTime, opts)
	if err != nil {
		return nil, err
	}

	for _, d := range j.dests {
		prev := state.Report.Destination(d.Name)
		if prev != nil && prev.Status == structs.CopyDone {
			d.status = structs.CopyDone
		}
	}
	j.Log().Infof("resuming run %s, %d destinations left", state.RunID, len(j.Pending()))
	j.publish(ctx)
	return j, nil
}
