package bridge

import (
	"context"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	"github.com/troikatech/pbx-bridge/pkg/ari"
	"github.com/troikatech/pbx-bridge/pkg/logger"
)

// eventQueueDepth bounds each shard's backlog. A full shard blocks the
// consume loop rather than dropping control events.
const eventQueueDepth = 64

// Dispatcher consumes the control event feed and routes each event to the
// session it belongs to. Events are sharded to a fixed set of workers by call
// ID: every event for one call lands on the same worker, so a call's state
// transitions happen in the order the events arrived, while different calls
// proceed in parallel.
type Dispatcher struct {
	opts    *Options
	workers int
	log     *zap.Logger
}

func NewDispatcher(opts *Options, workers int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		opts:    opts,
		workers: workers,
		log:     opts.Logger,
	}
}

// Run consumes events until the channel closes, then waits for the shard
// workers to drain. The channel closing means the control connection is gone;
// by then a transport-failure event has already torn everything down.
func (d *Dispatcher) Run(ctx context.Context, events <-chan ari.Event) {
	queues := make([]chan ari.Event, d.workers)
	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan ari.Event, eventQueueDepth)
		wg.Add(1)
		go func(q <-chan ari.Event) {
			defer wg.Done()
			for ev := range q {
				d.dispatch(ctx, ev)
			}
		}(queues[i])
	}

	for ev := range events {
		if ev.Kind == ari.EventTransportFailure {
			// Broadcast to every shard: each worker tears down after its own
			// queued events, so a call-start already in a queue cannot slip a
			// session in behind the global teardown.
			d.log.Error("Control channel lost, tearing down all calls", zap.Error(ev.Err))
			for _, q := range queues {
				q <- ev
			}
			continue
		}
		queues[d.shard(ev.CallID)] <- ev
	}

	for _, q := range queues {
		close(q)
	}
	wg.Wait()
}

func (d *Dispatcher) shard(callID string) int {
	h := fnv.New32a()
	h.Write([]byte(callID))
	return int(h.Sum32() % uint32(d.workers))
}

func (d *Dispatcher) dispatch(ctx context.Context, ev ari.Event) {
	switch ev.Kind {
	case ari.EventCallStart:
		d.handleCallStart(ctx, ev)

	case ari.EventCallEnd:
		if s := d.opts.Registry.Get(ev.CallID); s != nil {
			s.Teardown(ctx, ReasonCallEnd)
		}

	case ari.EventHangupRequest:
		if s := d.opts.Registry.Get(ev.CallID); s != nil {
			s.Teardown(ctx, ReasonHangupRequest)
		}

	case ari.EventVarSet:
		if s := d.opts.Registry.Get(ev.CallID); s != nil {
			d.opts.Speech.PushMarker(s.ID, ev.Variable, ev.Value)
		}

	case ari.EventPlaybackFinished:
		if s := d.opts.Registry.Get(ev.CallID); s != nil {
			s.OnPlaybackFinished(ctx)
		}

	case ari.EventTransportFailure:
		d.shutdownAll(ctx)

	default:
		d.log.Debug("Ignoring control event", zap.String("kind", ev.Kind.String()))
	}
}

// handleCallStart admits a new call. A duplicate start for a live call ID is
// ignored, and so is a session's own media leg entering the application: both
// would otherwise spawn a second session for a call that already has one.
func (d *Dispatcher) handleCallStart(ctx context.Context, ev ari.Event) {
	if d.opts.Registry.OwnsMediaChannel(ev.CallID) {
		d.log.Debug("Ignoring media leg entering the application", logger.CallID(ev.CallID))
		return
	}

	s := NewSession(ev.CallID, ev.Caller, d.opts)
	if err := d.opts.Registry.Insert(s); err != nil {
		d.log.Warn("Duplicate call start ignored", logger.CallID(ev.CallID))
		return
	}
	d.opts.Metrics.ActiveSessions.Inc()
	d.opts.Metrics.SessionsStarted.Inc()

	d.log.Info("Call started",
		logger.CallID(ev.CallID),
		zap.String("caller", ev.Caller),
	)

	if d.opts.Presence != nil {
		if err := d.opts.Presence.SetActive(ctx, ev.CallID, ev.Caller); err != nil {
			d.log.Warn("Failed to record call presence", logger.CallID(ev.CallID), zap.Error(err))
		}
	}

	s.Start(ctx)
}

// shutdownAll tears down every live session with a control-failure reason.
// Remote hangups will fail since the control channel is gone; local resources
// are still released. Safe to run once per shard.
func (d *Dispatcher) shutdownAll(ctx context.Context) {
	for _, s := range d.opts.Registry.Drain() {
		s.Teardown(ctx, ReasonControlFailure)
	}
}
