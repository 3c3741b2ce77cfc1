package eventloop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"trade-desk/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func startLoop(t *testing.T) (*Loop, context.CancelFunc) {
	t.Helper()
	l := New(16)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(cancel)
	return l, cancel
}

func TestDoRunsInOrder(t *testing.T) {
	l, _ := startLoop(t)

	var order []int
	for i := range 5 {
		l.Post(func() { order = append(order, i) })
	}
	var snapshot []int
	require.NoError(t, l.Do(context.Background(), func() { snapshot = append(snapshot, order...) }))

	assert.Equal(t, []int{0, 1, 2, 3, 4}, snapshot)
}

func TestAfterFuncStopBeforeFire(t *testing.T) {
	l, _ := startLoop(t)

	var fired atomic.Bool
	var tm Timer
	require.NoError(t, l.Do(context.Background(), func() {
		tm = l.AfterFunc(20*time.Millisecond, func() { fired.Store(true) })
	}))
	var pending bool
	require.NoError(t, l.Do(context.Background(), func() { pending = tm.Stop() }))

	time.Sleep(50 * time.Millisecond)
	assert.True(t, pending)
	assert.False(t, fired.Load())
}

func TestAfterFuncStopAfterQueued(t *testing.T) {
	l, _ := startLoop(t)

	var fired atomic.Bool
	release := make(chan struct{})
	// Hold the loop so the timer callback is queued behind this handler, then stop it.
	l.Post(func() {
		tm := l.AfterFunc(time.Millisecond, func() { fired.Store(true) })
		<-release
		tm.Stop()
	})
	time.Sleep(20 * time.Millisecond)
	close(release)

	require.NoError(t, l.Do(context.Background(), func() {}))
	assert.False(t, fired.Load())
}

func TestPanicDoesNotStopLoop(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	l := New(16)
	l.SetLogger(zap.New(core))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go l.Run(ctx)

	l.Post(func() { panic("boom") })
	ran := false
	require.NoError(t, l.Do(context.Background(), func() { ran = true }))
	assert.True(t, ran)

	entries := logs.FilterMessage("event_handler_panic").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "boom", entries[0].ContextMap()["panic"])
}

func TestDoAfterStop(t *testing.T) {
	l, cancel := startLoop(t)
	cancel()
	<-l.done

	err := l.Do(context.Background(), func() {})
	assert.ErrorIs(t, err, model.ErrLoopStopped)
}
