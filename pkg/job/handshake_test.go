package job

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gomock "go.uber.org/mock/gomock"

	"github.com/voidshard/b1k/pkg/errors"
	"github.com/voidshard/b1k/pkg/report"
	"github.com/voidshard/b1k/pkg/structs"
	"github.com/voidshard/b1k/pkg/transfer"
)

const passiveConfig = `
[global]
status_dir = %s

[job:db]
direction = passive
dest = beta
report = files

[dest:beta]
type = passive
host = beta
timeout = 1

[report:files]
type = file
path = %s
`

const pullConfig = `
[global]
status_dir = %s

[job:db]
direction = pull
type = sync
include = rsync://beta/db/
dest = local
report = db
report_source = %s
report_poll_wait = 0
report_poll_retries = 3

[dest:local]
type = active
path = /backup

[report:db]
type = postgres
url = postgres://localhost/b1k
`

func fastPoll(t *testing.T) {
	prev := pollInterval
	pollInterval = 20 * time.Millisecond
	t.Cleanup(func() { pollInterval = prev })
}

func newPassiveJob(t *testing.T) (*Job, string) {
	dir := t.TempDir()
	cfg := parseConfig(t, passiveConfig, t.TempDir(), dir)

	j, err := New(context.Background(), cfg, "job:db", "", &Options{Host: testHost})
	require.Nil(t, err)
	return j, dir
}

func TestNewPassive(t *testing.T) {
	j, dir := newPassiveJob(t)

	require.Len(t, j.Destinations(), 1)
	d := j.Destinations()[0]
	assert.Equal(t, "pull://beta", d.Path)
	assert.Equal(t, structs.DestPassive, d.Type)
	assert.Equal(t, 0, d.Retries())

	// construction publishes the first snapshot
	_, err := os.Stat(j.file.Path(j.localReport()))
	assert.Nil(t, err)
	assert.Equal(t, dir, j.file.Dir())
}

func TestPassiveWaitTimeout(t *testing.T) {
	fastPoll(t)
	j, _ := newPassiveJob(t)
	d := j.Destinations()[0]

	start := time.Now()
	err := j.Attempt(context.Background(), d)

	assert.ErrorIs(t, err, errors.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestPassiveWaitMarkers(t *testing.T) {
	cases := []struct {
		Name   string
		State  string
		Expect error
	}{
		{"done", report.MarkerDone, nil},
		{"error", report.MarkerError, errors.ErrRemoteError},
		{"unknown", "maybe", nil},
	}

	for _, c := range cases {
		t.Run(c.Name, func(t *testing.T) {
			fastPoll(t)
			j, dir := newPassiveJob(t)
			d := j.Destinations()[0]

			doc := j.file.Path(j.localReport())
			marker := filepath.Join(dir, report.MarkerName(filepath.Base(doc), "beta", c.State))
			require.Nil(t, os.WriteFile(marker, nil, 0644))

			err := j.Attempt(context.Background(), d)

			if c.Expect == nil {
				assert.Nil(t, err)
			} else {
				assert.ErrorIs(t, err, c.Expect)
			}
			_, err = os.Stat(marker)
			assert.True(t, os.IsNotExist(err))
			_, err = os.Stat(doc)
			assert.True(t, os.IsNotExist(err))
		})
	}
}

func TestPassiveIntroOutro(t *testing.T) {
	ctx := context.Background()
	j, dir := newPassiveJob(t)

	old := report.DocumentName("db", "", time.Date(2020, 1, 1, 0, 0, 0, 0, time.Local))
	oldMarker := report.MarkerName(old, "beta", report.MarkerDone)
	unrelated := report.DocumentName("other", "", time.Date(2020, 1, 1, 0, 0, 0, 0, time.Local))
	for _, f := range []string{old, oldMarker, unrelated, unrelated + ".beta.done"} {
		require.Nil(t, os.WriteFile(filepath.Join(dir, f), nil, 0644))
	}

	assert.Nil(t, j.Intro(ctx))

	for _, f := range []string{old, oldMarker} {
		_, err := os.Stat(filepath.Join(dir, f))
		assert.True(t, os.IsNotExist(err), f)
	}
	for _, f := range []string{unrelated, unrelated + ".beta.done"} {
		_, err := os.Stat(filepath.Join(dir, f))
		assert.Nil(t, err, f)
	}

	doc := j.file.Path(j.localReport())
	_, err := os.Stat(doc)
	assert.Nil(t, err)

	assert.Nil(t, j.Outro(ctx))
	_, err = os.Stat(doc)
	assert.True(t, os.IsNotExist(err))
	assert.Nil(t, j.Outro(ctx))
}

// writeRemote puts a passive job's document into source.
func writeRemote(t *testing.T, source string, step structs.Step, destPath string, destStatus structs.CopyStatus) string {
	r := &structs.JobReport{
		Direction: structs.DirectionPassive,
		Name:      "db",
		Host:      "beta",
		StartTime: time.Date(2023, 4, 5, 6, 7, 8, 0, time.Local),
		Step:      step,
		Status:    structs.OK,
		DataAge:   "0",
		Destinations: []*structs.DestReport{
			{Name: "to-alpha", Type: structs.DestPassive, Path: destPath, Status: destStatus},
		},
	}
	data, err := report.Encode(r)
	require.Nil(t, err)

	name := report.DocumentName(r.Name, r.Instance, r.StartTime)
	require.Nil(t, os.WriteFile(filepath.Join(source, name), data, 0644))
	return name
}

func newPullJob(t *testing.T, source string) (*Job, error) {
	ctrl := gomock.NewController(t)
	cfg := parseConfig(t, pullConfig, t.TempDir(), source)
	return New(context.Background(), cfg, "job:db", "", &Options{
		Host:     testHost,
		Engine:   &localEngine{},
		OpenSink: sinkOpener((&recorder{}).sink(ctrl)),
	})
}

func TestPullFailureNotifiesOnce(t *testing.T) {
	ctx := context.Background()
	source := t.TempDir()
	doc := writeRemote(t, source, structs.COPYING, "pull://alpha", structs.CopyCopying)

	j, err := newPullJob(t, source)
	require.Nil(t, err)
	require.Len(t, j.Destinations(), 1)

	snap := j.Report(ctx)
	assert.Equal(t, "beta", snap.Host)
	assert.Equal(t, structs.COPYING, snap.Step)
	assert.Equal(t, structs.OK, snap.Status)
	require.Len(t, snap.Destinations, 1)
	assert.Equal(t, "to-alpha", snap.Destinations[0].Name)

	assert.Nil(t, j.Intro(ctx))

	assert.Nil(t, j.SetStatus(ctx, structs.FAILED))
	_, err = os.Stat(filepath.Join(source, report.MarkerName(doc, testHost, report.MarkerError)))
	assert.Nil(t, err)
	assert.Equal(t, structs.FAILED, j.Report(ctx).Status)

	assert.Nil(t, j.Outro(ctx))
	_, err = os.Stat(filepath.Join(source, report.MarkerName(doc, testHost, report.MarkerDone)))
	assert.True(t, os.IsNotExist(err))
}

func TestPullOutroDone(t *testing.T) {
	ctx := context.Background()
	source := t.TempDir()
	doc := writeRemote(t, source, structs.COPYING, "pull://alpha", structs.CopyCopying)

	j, err := newPullJob(t, source)
	require.Nil(t, err)

	assert.Nil(t, j.Outro(ctx))
	_, err = os.Stat(filepath.Join(source, report.MarkerName(doc, testHost, report.MarkerDone)))
	assert.Nil(t, err)
}

// notifyFailing fails the first `failures` marker transfers.
type notifyFailing struct {
	localEngine
	failures int
}

func (e *notifyFailing) Run(ctx context.Context, req *transfer.Request) error {
	if req.Name == "remote_notify" && e.failures > 0 {
		e.failures--
		return errors.ErrTransfer
	}
	return e.localEngine.Run(ctx, req)
}

func TestPullErrorAfterFailedDone(t *testing.T) {
	ctx := context.Background()
	source := t.TempDir()
	doc := writeRemote(t, source, structs.COPYING, "pull://alpha", structs.CopyCopying)

	ctrl := gomock.NewController(t)
	cfg := parseConfig(t, pullConfig, t.TempDir(), source)
	j, err := New(ctx, cfg, "job:db", "", &Options{
		Host:     testHost,
		Engine:   &notifyFailing{failures: 1},
		OpenSink: sinkOpener((&recorder{}).sink(ctrl)),
	})
	require.Nil(t, err)

	assert.ErrorIs(t, j.Outro(ctx), errors.ErrTransfer)
	_, err = os.Stat(filepath.Join(source, report.MarkerName(doc, testHost, report.MarkerDone)))
	assert.True(t, os.IsNotExist(err))

	// the failed outro fails the job, which must still reach the remote side
	assert.Nil(t, j.SetStatus(ctx, structs.FAILED))
	_, err = os.Stat(filepath.Join(source, report.MarkerName(doc, testHost, report.MarkerError)))
	assert.Nil(t, err)
}

func TestPullIntroTimeout(t *testing.T) {
	source := t.TempDir()
	writeRemote(t, source, structs.PRE, "pull://alpha", structs.CopyInit)

	j, err := newPullJob(t, source)
	require.Nil(t, err)

	assert.ErrorIs(t, j.Intro(context.Background()), errors.ErrTimeout)
}

func TestPullRemoteGaveUp(t *testing.T) {
	source := t.TempDir()
	writeRemote(t, source, structs.COPYING, "pull://alpha", structs.CopyFailed)

	j, err := newPullJob(t, source)
	require.Nil(t, err)

	ctx := context.Background()
	d := j.Destinations()[0]
	require.Nil(t, j.BeginCopy(ctx, d))

	err = j.Attempt(ctx, d)
	assert.ErrorIs(t, err, errors.ErrRemoteError)

	// credit remains, but the remote failure is not retried
	j.FinishCopy(ctx, d, err)
	assert.Equal(t, structs.CopyFailed, d.Status())
	warning, failed := j.Outcome()
	assert.False(t, warning)
	assert.True(t, failed)
	assert.ErrorIs(t, j.BeginCopy(ctx, d), errors.ErrInvalidState)
}

func TestPullConstructionErrors(t *testing.T) {
	source := t.TempDir()
	_, err := newPullJob(t, source)
	assert.ErrorIs(t, err, errors.ErrNoReport)

	writeRemote(t, source, structs.COPYING, "pull://gamma", structs.CopyCopying)
	_, err = newPullJob(t, source)
	assert.ErrorIs(t, err, errors.ErrNotAddressed)
}
