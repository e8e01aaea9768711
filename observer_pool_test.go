package xenvelope

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xlog"
)

func TestObserverPool_DropsWhenFull(t *testing.T) {
	op := NewObserverPool(context.Background(), 1, 1)

	started := make(chan struct{})
	release := make(chan struct{})
	var seen atomic.Int32
	blocking := ObserverFunc(func(e Event) {
		if seen.Add(1) == 1 {
			close(started)
			<-release
		}
	})
	obs := []Observer{blocking}

	op.Notify(Event{Type: EncodeDone, MessageID: "1"}, obs)
	<-started
	op.Notify(Event{Type: EncodeDone, MessageID: "2"}, obs) // fills the buffer
	op.Notify(Event{Type: Error, MessageID: "3"}, obs)
	op.Notify(Event{Type: DecodeDone, MessageID: "4"}, obs)

	stats := op.Stats()
	assert.Equal(t, uint64(2), stats.Dropped)
	assert.Equal(t, uint64(1), stats.DroppedErrors)
	assert.Equal(t, 1, stats.ActiveEvents)

	close(release)
	require.NoError(t, op.Close(time.Second))
	assert.Equal(t, uint64(2), op.Stats().Processed)
	assert.Equal(t, int32(2), seen.Load())
}

func TestObserverPool_RecoversPanics(t *testing.T) {
	op := NewObserverPool(context.Background(), 2, 10).WithLogger(xlog.Default())

	var after atomic.Int32
	obs := []Observer{
		ObserverFunc(func(Event) { panic("observer bug") }),
		ObserverFunc(func(Event) { after.Add(1) }),
	}
	for range 3 {
		op.Notify(Event{Type: Ack, MessageID: "m"}, obs)
	}
	require.NoError(t, op.Close(time.Second))
	require.NoError(t, op.Close(time.Second))

	stats := op.Stats()
	assert.Equal(t, uint64(3), stats.Panics)
	assert.Equal(t, uint64(3), stats.Processed)
	assert.Equal(t, int32(3), after.Load())
}
