package job

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gomock "go.uber.org/mock/gomock"

	"github.com/voidshard/b1k/internal/mocks/pkg/transfer_mock"
	"github.com/voidshard/b1k/pkg/config"
	"github.com/voidshard/b1k/pkg/errors"
	"github.com/voidshard/b1k/pkg/report"
	"github.com/voidshard/b1k/pkg/structs"
	"github.com/voidshard/b1k/pkg/transfer"
)

const pushConfig = `
[global]
status_dir = %s
copy_retries = %d

[job:home]
direction = push
type = %s
include = /home /etc
exclude = *.tmp
dest = one two& three/four
report = db

[dest:one]
type = active
path = /backup/one
exclude = cache
verbosity = 2

[dest:two]
type = active
path = rsync://b2/backup/

[dest:three]
type = active
path = /backup/three

[dest:four]
type = active
path = /backup/four

[report:db]
type = postgres
url = postgres://localhost/b1k
`

func newPushJob(t *testing.T, engine *transfer_mock.MockEngine, rec *recorder, retries int, kind string) *Job {
	ctrl := gomock.NewController(t)
	cfg := parseConfig(t, pushConfig, t.TempDir(), retries, kind)

	j, err := New(context.Background(), cfg, "job:home", "", &Options{
		Host:     testHost,
		Engine:   engine,
		OpenSink: sinkOpener(rec.sink(ctrl)),
	})
	require.Nil(t, err)
	return j
}

func TestNewPush(t *testing.T) {
	j := newPushJob(t, nil, &recorder{}, 3, "sync")

	assert.Equal(t, "home", j.Name)
	assert.Equal(t, structs.DirectionPush, j.Direction)
	assert.Equal(t, structs.JobSync, j.Type)
	assert.Equal(t, []string{"/home", "/etc"}, j.Include)
	assert.Equal(t, []string{"*.tmp"}, j.Exclude)
	assert.Equal(t, "0", j.DataAge)
	assert.Equal(t, 60*time.Second, j.RetrySleep)
	assert.Equal(t, 20*time.Second, j.TransferTimeout)
	assert.Equal(t, structs.INIT, j.Step())
	assert.Equal(t, structs.OK, j.Status())
	assert.NotEmpty(t, j.RunID)

	dests := j.Destinations()
	require.Len(t, dests, 4)

	assert.Equal(t, "one", dests[0].Name)
	assert.Equal(t, "/backup/one/home/alpha/", dests[0].Path)
	assert.False(t, dests[0].Background)
	assert.Equal(t, 3, dests[0].Retries())
	assert.Equal(t, structs.CopyInit, dests[0].Status())

	assert.Equal(t, "two", dests[1].Name)
	assert.Equal(t, "rsync://b2/backup/home/alpha/", dests[1].Path)
	assert.True(t, dests[1].Background)

	assert.ElementsMatch(t, []string{"three", "four"}, []string{dests[2].Name, dests[3].Name})
}

func TestJobPath(t *testing.T) {
	j := &Job{
		Name:      "home",
		Host:      testHost,
		Type:      structs.JobFull,
		StartTime: time.Date(2023, 4, 5, 6, 7, 8, 0, time.Local),
	}
	assert.Equal(t, "home/2023-04-05-Wednesday/alpha-2023-04-05-Wed-06:07:08/", j.path())

	j.Type = structs.JobSync
	j.Instance = "a"
	j.MasterHost = "m"
	j.MasterInstance = "mi"
	assert.Equal(t, "home/alpha-a-m-mi/", j.path())
}

func TestNewErrors(t *testing.T) {
	base := `
[global]
status_dir = /tmp

[dest:one]
type = active
path = /backup

[dest:pass]
type = passive
host = beta
timeout = 5

[dest:weird]
type = sideways

[report:db]
type = postgres
url = postgres://localhost/b1k
`

	cases := []struct {
		Name   string
		Job    string
		Expect error
	}{
		{"unknown direction", "direction = sideways\ndest = one\nreport = db", errors.ErrUnknownType},
		{"missing param", "direction = push\ntype = sync\ndest = one\nreport = db", errors.ErrMissingParam},
		{"extra param", "direction = push\ntype = sync\ninclude = /\ndest = one\nreport = db\nbogus = 1", errors.ErrParamNotAllowed},
		{"unknown type", "direction = push\ntype = partial\ninclude = /\ndest = one\nreport = db", errors.ErrUnknownType},
		{"unknown dest type", "direction = push\ntype = sync\ninclude = /\ndest = weird\nreport = db", errors.ErrUnknownType},
		{"undefined dest", "direction = push\ntype = sync\ninclude = /\ndest = nope\nreport = db", errors.ErrMissingParam},
		{"passive dest without file report", "direction = passive\ndest = pass\nreport = db", errors.ErrConfig},
		{"passive job with active dest", "direction = passive\ndest = one\nreport = db", errors.ErrConfig},
		{"no dests", "direction = push\ntype = sync\ninclude = /\ndest = ,\nreport = db", errors.ErrConfig},
	}

	for _, c := range cases {
		t.Run(c.Name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			rec := &recorder{}
			cfg := parseConfig(t, "%s\n[job:test]\n%s\n", base, c.Job)

			_, err := New(context.Background(), cfg, "job:test", "", &Options{
				Host:     testHost,
				OpenSink: sinkOpener(rec.sink(ctrl)),
			})

			assert.ErrorIs(t, err, c.Expect)
		})
	}
}

func TestSetStep(t *testing.T) {
	ctx := context.Background()
	j := newPushJob(t, nil, &recorder{}, 3, "sync")

	assert.Nil(t, j.SetStep(ctx, structs.POST))
	assert.ErrorIs(t, j.SetStep(ctx, structs.COPYING), errors.ErrInvalidState)

	j = newPushJob(t, nil, &recorder{}, 3, "sync")
	assert.Nil(t, j.SetStep(ctx, structs.PRE))
	assert.Nil(t, j.SetStep(ctx, structs.COPYING))
	assert.ErrorIs(t, j.SetStep(ctx, structs.COPYING), errors.ErrInvalidState)
	assert.Nil(t, j.SetStatus(ctx, structs.WARNING))
	assert.Nil(t, j.SetStep(ctx, structs.COPYING))
	assert.Nil(t, j.SetStatus(ctx, structs.OK))
	assert.Nil(t, j.SetStatus(ctx, structs.FAILED))
	assert.ErrorIs(t, j.SetStatus(ctx, structs.OK), errors.ErrInvalidState)
	assert.ErrorIs(t, j.SetStep(ctx, structs.PRE), errors.ErrInvalidState)
}

func TestCopyNoRetries(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	engine := transfer_mock.NewMockEngine(ctrl)
	rec := &recorder{}
	j := newPushJob(t, engine, rec, 0, "sync")
	d := j.Destinations()[0]

	engine.EXPECT().Run(gomock.Any(), gomock.Any()).Return(fmt.Errorf("%w: boom", errors.ErrTransfer)).Times(1)

	require.Nil(t, j.BeginCopy(ctx, d))
	j.FinishCopy(ctx, d, j.Attempt(ctx, d))

	assert.Equal(t, structs.CopyFailed, d.Status())
	assert.Equal(t, []structs.CopyStatus{structs.CopyInit, structs.CopyCopying, structs.CopyFailed}, rec.destHistory("one"))
	assert.ErrorIs(t, j.BeginCopy(ctx, d), errors.ErrInvalidState)
	assert.NotContains(t, j.Pending(), d)

	warning, failed := j.Outcome()
	assert.False(t, warning)
	assert.True(t, failed)
}

func TestCopyRetryThenSucceed(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	engine := transfer_mock.NewMockEngine(ctrl)
	rec := &recorder{}
	j := newPushJob(t, engine, rec, 2, "sync")
	d := j.Destinations()[0]

	gomock.InOrder(
		engine.EXPECT().Run(gomock.Any(), gomock.Any()).Return(errors.ErrTransfer),
		engine.EXPECT().Run(gomock.Any(), gomock.Any()).Return(nil),
	)

	require.Nil(t, j.BeginCopy(ctx, d))
	j.FinishCopy(ctx, d, j.Attempt(ctx, d))
	assert.Equal(t, structs.CopyWarning, d.Status())
	assert.Equal(t, 1, d.Retries())

	require.Nil(t, j.BeginCopy(ctx, d))
	j.FinishCopy(ctx, d, j.Attempt(ctx, d))
	assert.Equal(t, structs.CopyDone, d.Status())
	assert.Equal(t, 0, d.Retries())

	assert.Equal(t, []structs.CopyStatus{
		structs.CopyInit, structs.CopyCopying, structs.CopyWarning, structs.CopyCopying, structs.CopyDone,
	}, rec.destHistory("one"))
}

func TestCopyAttemptsBounded(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	engine := transfer_mock.NewMockEngine(ctrl)
	j := newPushJob(t, engine, &recorder{}, 3, "sync")
	d := j.Destinations()[0]

	engine.EXPECT().Run(gomock.Any(), gomock.Any()).Return(errors.ErrTransfer).Times(4)

	attempts := 0
	for j.BeginCopy(ctx, d) == nil {
		attempts++
		j.FinishCopy(ctx, d, j.Attempt(ctx, d))
	}

	assert.Equal(t, 4, attempts)
	assert.Equal(t, structs.CopyFailed, d.Status())
}

func TestPushRequest(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	engine := transfer_mock.NewMockEngine(ctrl)
	j := newPushJob(t, engine, &recorder{}, 3, "sync")
	d := j.Destinations()[0]

	var req *transfer.Request
	engine.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, r *transfer.Request) error {
		req = r
		return nil
	})

	assert.Nil(t, j.Attempt(ctx, d))

	require.NotNil(t, req)
	assert.Equal(t, "one", req.Name)
	assert.Equal(t, []string{"/home", "/etc"}, req.Sources)
	assert.Equal(t, "/backup/one/home/alpha/", req.Destination)
	assert.Equal(t, []string{"*.tmp", "cache"}, req.Excludes)
	assert.Equal(t, 2, req.Verbosity)
	assert.Equal(t, 20*time.Second, req.Timeout)
}

func TestReportOpenErrors(t *testing.T) {
	cases := []struct {
		Name    string
		OpenErr error
		Expect  error
	}{
		{"Unreachable", fmt.Errorf("%w: postgres: connection refused", errors.ErrUnavailable), nil},
		{"BadConfig", fmt.Errorf("%w: postgres: cannot parse url", errors.ErrConfig), errors.ErrConfig},
	}

	for _, c := range cases {
		t.Run(c.Name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			engine := transfer_mock.NewMockEngine(ctrl)
			engine.EXPECT().Run(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
			cfg := parseConfig(t, pushConfig, t.TempDir(), 3, "sync")

			j, err := New(context.Background(), cfg, "job:home", "", &Options{
				Host:   testHost,
				Engine: engine,
				OpenSink: func(ctx context.Context, cfg *config.Store, name string) (report.Sink, error) {
					return nil, c.OpenErr
				},
			})

			if c.Expect != nil {
				assert.ErrorIs(t, err, c.Expect)
				return
			}
			require.Nil(t, err)

			// the job runs without the report
			ctx := context.Background()
			d := j.Destinations()[0]
			require.Nil(t, j.BeginCopy(ctx, d))
			j.FinishCopy(ctx, d, j.Attempt(ctx, d))
			assert.Equal(t, structs.CopyDone, d.Status())
		})
	}
}
