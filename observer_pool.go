package xenvelope

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xlog"
)

// ObserverPool dispatches events to observers off the send and consume paths.
//
// Notify never blocks: when the buffer is full the event is dropped and
// counted. Dropped Error events are counted on their own since they are the
// only record of a failed encode, decode or ack. Events queued before Close
// are still delivered.
type ObserverPool struct {
	eventCh chan *Event
	workers int
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool
	logger  *xlog.Logger

	dropped       atomic.Uint64
	droppedErrors atomic.Uint64
	processed     atomic.Uint64
	panics        atomic.Uint64
}

// NewObserverPool starts workers dispatch goroutines over a buffer of bufferSize events.
// Non-positive values fall back to 4 workers and 1000 slots.
func NewObserverPool(ctx context.Context, workers, bufferSize int) *ObserverPool {
	if workers < 1 {
		workers = 4
	}
	if bufferSize < 1 {
		bufferSize = 1000
	}

	poolCtx, cancel := context.WithCancel(ctx)
	op := &ObserverPool{
		eventCh: make(chan *Event, bufferSize),
		workers: workers,
		ctx:     poolCtx,
		cancel:  cancel,
	}

	op.wg.Add(workers)
	for range workers {
		go op.worker()
	}

	return op
}

// WithLogger reports recovered observer panics through l.
// Call it before the first Notify.
func (op *ObserverPool) WithLogger(l *xlog.Logger) *ObserverPool {
	op.logger = l
	return op
}

// Notify queues e for the given observers, snapshotting the slice.
func (op *ObserverPool) Notify(e Event, observers []Observer) {
	if len(observers) == 0 {
		return
	}

	e.observers = make([]Observer, len(observers))
	copy(e.observers, observers)

	select {
	case op.eventCh <- &e:
	default:
		op.dropped.Add(1)
		if e.Type == Error {
			op.droppedErrors.Add(1)
		}
	}
}

// worker processes events from the channel and dispatches to observers.
func (op *ObserverPool) worker() {
	defer op.wg.Done()
	for {
		select {
		case <-op.ctx.Done():
			// drain
			for {
				select {
				case e := <-op.eventCh:
					if e != nil {
						op.dispatchEvent(e)
						op.processed.Add(1)
					}
				default:
					return
				}
			}
		case e := <-op.eventCh:
			if e != nil {
				op.dispatchEvent(e)
				op.processed.Add(1)
			}
		}
	}
}

// dispatchEvent calls every observer of e; an observer panic is counted and swallowed.
func (op *ObserverPool) dispatchEvent(e *Event) {
	if len(e.observers) == 0 {
		return
	}
	for _, obs := range e.observers {
		if obs != nil {
			func() {
				defer func() {
					if r := recover(); r != nil {
						op.panics.Add(1)
						if op.logger != nil {
							op.logger.Warn().
								Str("type", string(e.Type)).
								Str("message_id", e.MessageID).
								Str("panic", fmt.Sprint(r)).
								Msg("xenvelope: observer panic (recovered)")
						}
					}
				}()
				obs.OnEvent(*e)
			}()
		}
	}
}

// Close stops accepting work and waits up to timeout for the workers to drain
// queued events. Calling it again is a no-op.
func (op *ObserverPool) Close(timeout time.Duration) error {
	if op.closed.Swap(true) {
		return nil
	}

	op.cancel()

	done := make(chan struct{})
	go func() {
		op.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrObserverPoolShutdownTimeout
	}
}

// Stats returns current pool statistics.
func (op *ObserverPool) Stats() PoolStats {
	return PoolStats{
		Dropped:       op.dropped.Load(),
		DroppedErrors: op.droppedErrors.Load(),
		Processed:     op.processed.Load(),
		Panics:        op.panics.Load(),
		ActiveEvents:  len(op.eventCh),
		Workers:       op.workers,
		BufferSize:    cap(op.eventCh),
	}
}
