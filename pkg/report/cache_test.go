package report

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gomock "go.uber.org/mock/gomock"

	"github.com/voidshard/b1k/internal/mocks/pkg/report_mock"
	"github.com/voidshard/b1k/pkg/config"
	"github.com/voidshard/b1k/pkg/errors"
)

func TestCacheShares(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := report_mock.NewMockSink(ctrl)
	sink.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil).Times(2)
	sink.EXPECT().Close().Return(nil).Times(1)

	opened := 0
	c := NewCache(func(ctx context.Context, cfg *config.Store, name string) (Sink, error) {
		opened++
		return sink, nil
	}, 0)

	ctx := context.Background()
	a, err := c.Open(ctx, nil, "db")
	require.Nil(t, err)
	b, err := c.Open(ctx, nil, "db")
	require.Nil(t, err)
	assert.Equal(t, 1, opened)

	assert.Nil(t, a.Publish(ctx, testReport()))
	assert.Nil(t, b.Publish(ctx, testReport()))

	// jobs closing their sinks leave the shared one open
	assert.Nil(t, a.Close())
	assert.Nil(t, b.Close())

	assert.Nil(t, c.Close())
}

func TestCacheFileUnwrapped(t *testing.T) {
	dir := t.TempDir()
	c := NewCache(func(ctx context.Context, cfg *config.Store, name string) (Sink, error) {
		return NewFile(dir), nil
	}, 0)

	s, err := c.Open(context.Background(), nil, "files")
	require.Nil(t, err)
	f, ok := s.(*File)
	require.True(t, ok)
	assert.Equal(t, dir, f.Dir())
}

func TestCacheUnavailable(t *testing.T) {
	now := time.Date(2023, 4, 5, 6, 7, 8, 0, time.UTC)
	prev := cacheNow
	cacheNow = func() time.Time { return now }
	t.Cleanup(func() { cacheNow = prev })

	ctrl := gomock.NewController(t)
	sink := report_mock.NewMockSink(ctrl)
	sink.EXPECT().Close().Return(nil).AnyTimes()

	opened := 0
	up := false
	c := NewCache(func(ctx context.Context, cfg *config.Store, name string) (Sink, error) {
		opened++
		if !up {
			return nil, fmt.Errorf("%w: connection refused", errors.ErrUnavailable)
		}
		return sink, nil
	}, time.Minute)

	ctx := context.Background()
	_, err := c.Open(ctx, nil, "db")
	assert.ErrorIs(t, err, errors.ErrUnavailable)

	// not dialed again within the retry window
	up = true
	_, err = c.Open(ctx, nil, "db")
	assert.ErrorIs(t, err, errors.ErrUnavailable)
	assert.Equal(t, 1, opened)

	now = now.Add(time.Minute)
	_, err = c.Open(ctx, nil, "db")
	assert.Nil(t, err)
	assert.Equal(t, 2, opened)
}

func TestCacheConfigErrorNotRemembered(t *testing.T) {
	opened := 0
	c := NewCache(func(ctx context.Context, cfg *config.Store, name string) (Sink, error) {
		opened++
		return nil, fmt.Errorf("%w: bad url", errors.ErrConfig)
	}, time.Minute)

	for i := 0; i < 2; i++ {
		_, err := c.Open(context.Background(), nil, "db")
		assert.ErrorIs(t, err, errors.ErrConfig)
	}
	assert.Equal(t, 2, opened)
}
