package bridge

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/troikatech/pbx-bridge/pkg/audio"
	"github.com/troikatech/pbx-bridge/pkg/logger"
	"github.com/troikatech/pbx-bridge/pkg/metrics"
)

// Lifecycle states of a call session.
const (
	StateInitiated      = "initiated"
	StateMediaAttaching = "media_attaching"
	StateMediaAttached  = "media_attached"
	StateBridged        = "bridged"
	StateStreaming      = "streaming"
	StateTeardown       = "teardown"
	StateClosed         = "closed"
	StateFailed         = "failed"
)

// Reasons a session leaves streaming. Repeated terminating signals are
// expected; teardown is idempotent.
const (
	ReasonCallEnd        = "call_end"
	ReasonHangupRequest  = "hangup_request"
	ReasonStreamClosed   = "stream_closed"
	ReasonTransportError = "transport_error"
	ReasonControlFailure = "control_failure"
	ReasonOperator       = "operator"
)

// Options carries the injected collaborators and tuning shared by every
// session. One Options value is built at startup and handed to the
// dispatcher; tests build their own with fakes.
type Options struct {
	Control  Control
	Speech   SpeechPipeline
	Ports    *PortAllocator
	Registry *Registry
	Presence Presence // optional
	Metrics  *metrics.Metrics
	Logger   *zap.Logger

	AppName       string
	MediaHost     string
	Format        audio.Format
	AcceptTimeout time.Duration
	HangupGrace   time.Duration
	SinkQueueSize int
	SinkTimeout   time.Duration
}

// Session owns everything belonging to one call: its media listener, its
// frame channel, the platform-side bridge and media leg identifiers, and the
// allocated port. The control plane and the media plane both drive it, so
// every state transition happens under mu; no two transitions for the same
// call ever run concurrently.
type Session struct {
	ID     string
	Caller string

	opts *Options

	mu             sync.Mutex
	machine        *fsm.FSM
	bridgeID       string
	mediaChannelID string
	port           int
	createdAt      time.Time
	closedAt       time.Time

	listener    *MediaListener
	frames      *FrameChannel
	cancelRelay context.CancelFunc
	graceTimer  *time.Timer
}

// Info is a read-only snapshot for the admin API.
type Info struct {
	ID             string    `json:"id"`
	Caller         string    `json:"caller,omitempty"`
	State          string    `json:"state"`
	BridgeID       string    `json:"bridge_id,omitempty"`
	MediaChannelID string    `json:"media_channel_id,omitempty"`
	Port           int       `json:"port,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func NewSession(id, caller string, opts *Options) *Session {
	s := &Session{
		ID:        id,
		Caller:    caller,
		opts:      opts,
		createdAt: time.Now(),
	}
	s.machine = fsm.NewFSM(
		StateInitiated,
		fsm.Events{
			{Name: "attach", Src: []string{StateInitiated}, Dst: StateMediaAttaching},
			{Name: "attached", Src: []string{StateMediaAttaching}, Dst: StateMediaAttached},
			{Name: "bridge_up", Src: []string{StateMediaAttached}, Dst: StateBridged},
			{Name: "stream", Src: []string{StateBridged}, Dst: StateStreaming},
			{Name: "teardown", Src: []string{StateInitiated, StateMediaAttaching, StateMediaAttached, StateBridged, StateStreaming}, Dst: StateTeardown},
			{Name: "fail", Src: []string{StateInitiated, StateMediaAttaching, StateMediaAttached, StateBridged}, Dst: StateFailed},
			{Name: "close", Src: []string{StateTeardown, StateFailed}, Dst: StateClosed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				opts.Logger.Debug("Call state changed",
					logger.CallID(id),
					zap.String("from", e.Src),
					logger.State(e.Dst),
				)
			},
		},
	)
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Current()
}

// Snapshot returns the session's fields for read-only consumers.
func (s *Session) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:             s.ID,
		Caller:         s.Caller,
		State:          s.machine.Current(),
		BridgeID:       s.bridgeID,
		MediaChannelID: s.mediaChannelID,
		Port:           s.port,
		CreatedAt:      s.createdAt,
	}
}

// Start walks the session through media attach and bridging, then hands off
// to the media goroutine. Resource acquisition is split per state so a
// failure at any step funnels into the same compensating cleanup.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.machine.Event(ctx, "attach"); err != nil {
		// A terminating signal won the race before setup even began.
		return
	}

	port, err := s.opts.Ports.Allocate()
	if err != nil {
		s.failLocked(ctx, "ports", err)
		return
	}
	s.port = port
	s.opts.Registry.BindPort(port, s.ID)

	addr := net.JoinHostPort(s.opts.MediaHost, strconv.Itoa(port))
	mediaID, err := s.opts.Control.CreateMediaLeg(ctx, s.opts.AppName, addr, s.opts.Format.Name())
	if err != nil {
		s.opts.Metrics.ControlErrors.WithLabelValues("create_media_leg").Inc()
		s.failLocked(ctx, "media_leg", err)
		return
	}
	s.mediaChannelID = mediaID
	s.opts.Registry.BindMediaChannel(mediaID, s.ID)
	_ = s.machine.Event(ctx, "attached")

	bridgeID, err := s.opts.Control.CreateBridge(ctx, "mixing")
	if err != nil {
		s.opts.Metrics.ControlErrors.WithLabelValues("create_bridge").Inc()
		s.failLocked(ctx, "bridge", err)
		return
	}
	s.bridgeID = bridgeID

	if err := s.opts.Control.AddToBridge(ctx, bridgeID, s.ID); err != nil {
		s.opts.Metrics.ControlErrors.WithLabelValues("add_to_bridge").Inc()
		s.failLocked(ctx, "bridge", err)
		return
	}
	if err := s.opts.Control.AddToBridge(ctx, bridgeID, mediaID); err != nil {
		s.opts.Metrics.ControlErrors.WithLabelValues("add_to_bridge").Inc()
		s.failLocked(ctx, "bridge", err)
		return
	}

	ln, err := ListenMedia(s.opts.MediaHost, port)
	if err != nil {
		s.failLocked(ctx, "listen", err)
		return
	}
	s.listener = ln
	_ = s.machine.Event(ctx, "bridge_up")

	s.opts.Logger.Info("Call bridged, awaiting audio connection",
		logger.CallID(s.ID),
		logger.BridgeID(bridgeID),
		logger.MediaChannelID(mediaID),
		logger.Port(port),
	)

	go s.runMedia(ctx)
}

// runMedia accepts the audio connection and runs the relay until the stream
// ends. It lives on the media plane: the only control-plane structure it
// touches is the session itself, under the session lock.
func (s *Session) runMedia(ctx context.Context) {
	conn, err := s.listener.AcceptOne(s.opts.AcceptTimeout)
	if err != nil {
		s.mu.Lock()
		// Teardown closes the listener too; only a timeout while still
		// bridged is a setup failure.
		if s.machine.Current() == StateBridged {
			s.failLocked(ctx, "accept", err)
		}
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	if s.machine.Current() != StateBridged {
		// A terminating signal raced the accept; the connection is orphaned.
		conn.Close()
		s.mu.Unlock()
		return
	}
	s.frames = NewFrameChannel(conn, s.opts.Format.FrameBytes())
	relayCtx, cancel := context.WithCancel(ctx)
	s.cancelRelay = cancel
	_ = s.machine.Event(ctx, "stream")
	s.mu.Unlock()

	s.opts.Logger.Info("Audio connection accepted, streaming", logger.CallID(s.ID), logger.Port(s.port))

	if err := s.opts.Speech.StartStream(relayCtx, s.ID); err != nil {
		s.opts.Logger.Warn("Speech pipeline stream unavailable",
			logger.CallID(s.ID), zap.Error(err))
	}

	relay := NewRelay(s.ID, s.frames, s.opts.Speech, s.opts.Speech,
		s.opts.SinkQueueSize, s.opts.SinkTimeout, s.opts.Format.FrameDuration,
		s.opts.Metrics, s.opts.Logger)

	reason := ReasonStreamClosed
	if err := relay.Run(relayCtx); err != nil {
		s.opts.Logger.Warn("Audio transport error", logger.CallID(s.ID), zap.Error(err))
		reason = ReasonTransportError
	}
	s.Teardown(ctx, reason)
}

// OnPlaybackFinished holds the hangup for the grace delay so trailing audio
// already in flight on the transport is not truncated. The resulting hangup
// comes back to us as a control event and drives the normal teardown path.
func (s *Session) OnPlaybackFinished(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.machine.Current() {
	case StateTeardown, StateClosed, StateFailed:
		return
	}
	if s.graceTimer != nil {
		return
	}

	s.opts.Logger.Info("Playback finished, hangup scheduled",
		logger.CallID(s.ID),
		zap.Duration("grace", s.opts.HangupGrace),
	)
	s.graceTimer = time.AfterFunc(s.opts.HangupGrace, func() {
		hangupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.opts.Control.Hangup(hangupCtx, s.ID); err != nil {
			s.opts.Metrics.ControlErrors.WithLabelValues("hangup").Inc()
			s.opts.Logger.Warn("Delayed hangup failed", logger.CallID(s.ID), zap.Error(err))
		}
	})
}

// Teardown drives the session to closed. Idempotent: terminating signals
// arrive concurrently from the control channel and the audio transport, and
// every signal after the first is a no-op.
func (s *Session) Teardown(ctx context.Context, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.machine.Current() {
	case StateTeardown, StateClosed, StateFailed:
		return
	}
	if err := s.machine.Event(ctx, "teardown"); err != nil {
		return
	}

	s.opts.Logger.Info("Tearing down call",
		logger.CallID(s.ID),
		zap.String("reason", reason),
	)

	s.releaseLocked()

	// The caller leg is hung up unless the platform already ended the call.
	if reason != ReasonCallEnd {
		hangupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.opts.Control.Hangup(hangupCtx, s.ID); err != nil {
			s.opts.Metrics.ControlErrors.WithLabelValues("hangup").Inc()
			s.opts.Logger.Warn("Hangup failed during teardown", logger.CallID(s.ID), zap.Error(err))
		}
		cancel()
	}

	_ = s.machine.Event(ctx, "close")
	s.closeLocked(reason)
}

// failLocked is the compensating cleanup for any setup step. Caller holds mu.
func (s *Session) failLocked(ctx context.Context, step string, err error) {
	s.opts.Metrics.SetupFailures.WithLabelValues(step).Inc()
	s.opts.Logger.Error("Call setup failed",
		logger.CallID(s.ID),
		zap.String("step", step),
		zap.Error(err),
	)

	if ferr := s.machine.Event(ctx, "fail"); ferr != nil {
		return
	}

	s.releaseLocked()

	// Best-effort: the caller leg may still be up and ringing into nothing.
	hangupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if herr := s.opts.Control.Hangup(hangupCtx, s.ID); herr != nil {
		s.opts.Logger.Warn("Hangup after setup failure failed", logger.CallID(s.ID), zap.Error(herr))
	}
	cancel()

	_ = s.machine.Event(ctx, "close")
	s.closeLocked("failed")
}

// releaseLocked frees every resource the session holds, as one unit: relay
// cancelled, sockets closed, speech stream stopped, port returned. Caller
// holds mu. Safe against partially-acquired state on the failure paths.
func (s *Session) releaseLocked() {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	if s.cancelRelay != nil {
		s.cancelRelay()
		s.cancelRelay = nil
	}
	if s.frames != nil {
		s.frames.Close()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.opts.Speech.StopStream(s.ID)
	if s.port != 0 {
		s.opts.Ports.Release(s.port)
	}
}

// closeLocked finalizes bookkeeping once the machine reaches closed.
func (s *Session) closeLocked(reason string) {
	s.closedAt = time.Now()
	s.opts.Registry.Remove(s.ID)
	s.opts.Metrics.ActiveSessions.Dec()
	s.opts.Metrics.SessionsClosed.WithLabelValues(reason).Inc()
	if s.opts.Presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.opts.Presence.ClearActive(ctx, s.ID)
	}
	s.opts.Logger.Info("Call closed",
		logger.CallID(s.ID),
		zap.String("reason", reason),
		zap.Duration("duration", s.closedAt.Sub(s.createdAt)),
	)
}
