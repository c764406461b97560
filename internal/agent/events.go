package agent

import (
	"context"
	"sync/atomic"

	"github.com/petrelhq/petrel/pkg/models"
)

// EventSink receives agent events during a run. Implementations must be
// safe to call from multiple goroutines.
type EventSink interface {
	Emit(ctx context.Context, e models.AgentEvent)
}

// FuncSink wraps a function as an EventSink.
type FuncSink func(ctx context.Context, e models.AgentEvent)

func (f FuncSink) Emit(ctx context.Context, e models.AgentEvent) {
	if f != nil {
		f(ctx, e)
	}
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Emit(context.Context, models.AgentEvent) {}

// MultiSink fans out to several sinks. Nil members are dropped.
type MultiSink struct {
	sinks []EventSink
}

func NewMultiSink(sinks ...EventSink) *MultiSink {
	out := make([]EventSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &MultiSink{sinks: out}
}

func (m *MultiSink) Emit(ctx context.Context, e models.AgentEvent) {
	for _, s := range m.sinks {
		s.Emit(ctx, e)
	}
}

// BoundedSinkConfig sizes the delivery buffer.
type BoundedSinkConfig struct {
	// Buffer is the event channel capacity. Emit blocks when it is
	// full. Default: 256.
	Buffer int
}

// BoundedSink delivers events over one bounded FIFO channel. Every
// event, content deltas included, exerts real backpressure: a slow
// consumer stalls the producer rather than losing anything, and
// delivery order is exactly emit order. The transport thins deltas by
// coalescing them losslessly; the sink never sheds.
type BoundedSink struct {
	events  chan models.AgentEvent
	out     chan models.AgentEvent
	done    chan struct{}
	dropped atomic.Uint64
	closed  atomic.Bool
}

// NewBoundedSink builds the sink and returns its output channel. The
// channel closes after Close once buffered events drain.
func NewBoundedSink(cfg BoundedSinkConfig) (*BoundedSink, <-chan models.AgentEvent) {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	s := &BoundedSink{
		events: make(chan models.AgentEvent, cfg.Buffer),
		out:    make(chan models.AgentEvent),
		done:   make(chan struct{}),
	}
	go s.forward()
	return s, s.out
}

// forward hands buffered events to the consumer; after Close it drains
// what is already queued and closes the output channel.
func (s *BoundedSink) forward() {
	defer close(s.out)
	for {
		select {
		case e := <-s.events:
			s.out <- e
		case <-s.done:
			for {
				select {
				case e := <-s.events:
					s.out <- e
				default:
					return
				}
			}
		}
	}
}

func (s *BoundedSink) Emit(ctx context.Context, e models.AgentEvent) {
	if s.closed.Load() {
		return
	}
	select {
	case s.events <- e:
	case <-s.done:
	case <-ctx.Done():
		// The run is tearing down; terminal events still matter to a
		// detaching client. One last non-blocking attempt.
		select {
		case s.events <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Dropped reports how many events were shed during run teardown. Zero
// for any run whose consumer kept reading.
func (s *BoundedSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Close stops the sink; the output channel closes once drained. Emit
// after Close is a no-op.
func (s *BoundedSink) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.done)
}
