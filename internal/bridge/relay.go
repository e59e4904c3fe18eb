package bridge

import (
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/pbx-bridge/pkg/logger"
	"github.com/troikatech/pbx-bridge/pkg/metrics"
)

// Relay pumps audio between one call's frame channel and the speech
// pipeline. Two pumps run for the lifetime of streaming:
//
//   - inbound: frame channel -> bounded queue -> speech sink. A slow sink can
//     stall the read loop for at most sinkTimeout; after that the oldest
//     queued frame is dropped and counted as backpressure.
//   - outbound: speech source -> frame channel, paced at one poll per frame
//     period. No synthesized audio ready means no write this period.
//
// Both pumps stop together when the frame channel closes or ctx is cancelled.
type Relay struct {
	callID      string
	frames      *FrameChannel
	sink        SpeechSink
	source      SpeechSource
	queueSize   int
	sinkTimeout time.Duration
	framePeriod time.Duration
	m           *metrics.Metrics
	log         *zap.Logger
}

func NewRelay(callID string, frames *FrameChannel, sink SpeechSink, source SpeechSource,
	queueSize int, sinkTimeout, framePeriod time.Duration, m *metrics.Metrics, log *zap.Logger) *Relay {
	return &Relay{
		callID:      callID,
		frames:      frames,
		sink:        sink,
		source:      source,
		queueSize:   queueSize,
		sinkTimeout: sinkTimeout,
		framePeriod: framePeriod,
		m:           m,
		log:         log,
	}
}

// Run blocks until the stream ends. It returns nil when the transport closed
// normally (EOF) and the transport error otherwise. Errors here are scoped to
// this call only; the caller tears down the owning session.
func (r *Relay) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan []byte, r.queueSize)

	var wg sync.WaitGroup

	// Forwarder: drains the queue into the sink. The sink may block; only
	// this goroutine pays for it.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case frame := <-queue:
				r.sink.Push(r.callID, frame)
			case <-ctx.Done():
				// Flush what is already queued; trailing caller audio still
				// matters to the pipeline at stream end.
				for {
					select {
					case frame := <-queue:
						r.sink.Push(r.callID, frame)
					default:
						return
					}
				}
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.outboundPump(ctx)
	}()

	err := r.inboundPump(ctx, queue)

	// Unblock the frame reader and the pumps, then wait for them.
	cancel()
	r.frames.Close()
	wg.Wait()
	return err
}

func (r *Relay) inboundPump(ctx context.Context, queue chan []byte) error {
	for {
		frame, err := r.frames.ReadFrame()
		if err == io.EOF {
			r.log.Info("Audio stream closed by peer", logger.CallID(r.callID))
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		r.m.FramesInbound.Inc()

		select {
		case queue <- frame:
			continue
		case <-ctx.Done():
			return nil
		default:
		}

		// Queue full: give the sink one timeout to catch up, then shed the
		// oldest frame so the read loop never stalls past the configured
		// bound.
		timer := time.NewTimer(r.sinkTimeout)
		select {
		case queue <- frame:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			select {
			case <-queue:
				r.m.BackpressureDrops.Inc()
				r.log.Warn("Speech sink too slow, dropped oldest frame", logger.CallID(r.callID))
			default:
			}
			select {
			case queue <- frame:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (r *Relay) outboundPump(ctx context.Context) {
	ticker := time.NewTicker(r.framePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			frame, ok := r.source.Pull(r.callID)
			if !ok {
				continue
			}
			if err := r.frames.WriteFrame(frame); err != nil {
				if ctx.Err() == nil {
					r.log.Warn("Failed to write synthesized frame",
						logger.CallID(r.callID), zap.Error(err))
				}
				return
			}
			r.m.FramesOutbound.Inc()
		case <-ctx.Done():
			return
		}
	}
}
