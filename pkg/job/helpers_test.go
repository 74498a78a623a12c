package job

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	gomock "go.uber.org/mock/gomock"

	"github.com/voidshard/b1k/internal/mocks/pkg/report_mock"
	"github.com/voidshard/b1k/pkg/config"
	"github.com/voidshard/b1k/pkg/report"
	"github.com/voidshard/b1k/pkg/structs"
	"github.com/voidshard/b1k/pkg/transfer"
)

const testHost = "alpha"

// localEngine copies files between local directories.
type localEngine struct {
	mu   sync.Mutex
	reqs []*transfer.Request
}

func (e *localEngine) Run(ctx context.Context, req *transfer.Request) error {
	e.mu.Lock()
	e.reqs = append(e.reqs, req)
	e.mu.Unlock()

	if err := os.MkdirAll(req.Destination, 0755); err != nil {
		return err
	}
	for _, src := range req.Sources {
		if err := copyFile(src, filepath.Join(req.Destination, filepath.Base(src))); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// recorder collects every snapshot published to a mock sink.
type recorder struct {
	mu    sync.Mutex
	snaps []*structs.JobReport
}

func (r *recorder) sink(ctrl *gomock.Controller) *report_mock.MockSink {
	s := report_mock.NewMockSink(ctrl)
	s.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, snap *structs.JobReport) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.snaps = append(r.snaps, snap)
		return nil
	}).AnyTimes()
	s.EXPECT().Close().Return(nil).AnyTimes()
	return s
}

// destHistory is the sequence of distinct states a destination went through.
func (r *recorder) destHistory(name string) []structs.CopyStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []structs.CopyStatus{}
	for _, s := range r.snaps {
		d := s.Destination(name)
		if d == nil {
			continue
		}
		if len(out) == 0 || out[len(out)-1] != d.Status {
			out = append(out, d.Status)
		}
	}
	return out
}

func parseConfig(t *testing.T, text string, args ...interface{}) *config.Store {
	cfg, err := config.Parse(strings.NewReader(fmt.Sprintf(text, args...)))
	require.Nil(t, err)
	return cfg
}

// sinkOpener returns mock sinks for every report section except file ones.
func sinkOpener(s report.Sink) func(context.Context, *config.Store, string) (report.Sink, error) {
	return func(ctx context.Context, cfg *config.Store, name string) (report.Sink, error) {
		kind, err := cfg.Get(config.PrefixReport+name, "type")
		if err != nil {
			return nil, err
		}
		if kind == report.TypeFile {
			return report.Open(ctx, cfg, name)
		}
		return s, nil
	}
}
