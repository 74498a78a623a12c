package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayQueueOrder(t *testing.T) {
	q := newDelayQueue[string]()
	now := time.Now()

	q.push("late", now.Add(60*time.Millisecond))
	q.push("first", time.Time{})
	q.push("second", time.Time{})
	q.push("early", now.Add(20*time.Millisecond))

	closed := make(chan struct{})
	close(closed)

	got := []string{}
	for {
		item, ok := q.pop(closed)
		if !ok {
			break
		}
		got = append(got, item)
	}

	assert.Equal(t, []string{"first", "second", "early", "late"}, got)
	assert.GreaterOrEqual(t, time.Since(now), 60*time.Millisecond)
}

func TestDelayQueueWakesOnPush(t *testing.T) {
	q := newDelayQueue[int]()
	q.push(1, time.Now().Add(time.Hour))

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.push(2, time.Time{})
	}()

	start := time.Now()
	item, ok := q.pop(nil)

	assert.True(t, ok)
	assert.Equal(t, 2, item)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, q.len())
}

func TestDispatcher(t *testing.T) {
	var (
		lock      sync.Mutex
		processed []int
		dropped   []int
	)

	next := NewDispatcher[int]("next", func(ctx context.Context, i int) error { return nil }, nil)
	d := NewDispatcher[int]("test", func(ctx context.Context, i int) error {
		switch i {
		case 2:
			panic("bad item")
		case 3:
			return fmt.Errorf("failed")
		}
		lock.Lock()
		processed = append(processed, i)
		lock.Unlock()
		return nil
	}, next)
	d.OnDrop = func(i int, err error) {
		lock.Lock()
		dropped = append(dropped, i)
		lock.Unlock()
	}

	ctx := context.Background()
	next.Start(ctx)
	d.Start(ctx)

	start := time.Now()
	d.Queue(4, start.Add(50*time.Millisecond))
	for i := 1; i <= 3; i++ {
		d.Queue(i, time.Time{})
	}
	d.Finish()
	d.Finish()

	select {
	case <-next.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("finish did not cascade")
	}

	<-d.Done()
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, []int{1, 4}, processed)
	assert.Equal(t, []int{2, 3}, dropped)
}

func TestDispatcherFinishWaitsForDelayed(t *testing.T) {
	done := make(chan int, 1)
	d := NewDispatcher[int]("test", func(ctx context.Context, i int) error {
		done <- i
		return nil
	}, nil)

	d.Start(context.Background())
	d.Queue(7, time.Now().Add(30*time.Millisecond))
	d.Finish()

	<-d.Done()
	assert.Equal(t, 7, <-done)
}
