package bridge

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/troikatech/pbx-bridge/pkg/ari"
)

func startDispatcher(t *testing.T, opts *Options) (chan ari.Event, func()) {
	t.Helper()
	events := make(chan ari.Event, 16)
	done := make(chan struct{})
	d := NewDispatcher(opts, 4)
	go func() {
		defer close(done)
		d.Run(context.Background(), events)
	}()
	return events, func() {
		close(events)
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("dispatcher did not drain")
		}
	}
}

func TestDispatcher_CallLifecycle(t *testing.T) {
	ctl := &fakeControl{}
	pipeline := newFakePipeline()
	opts := testOptions(ctl, pipeline, 45240)

	events, stop := startDispatcher(t, opts)
	defer stop()

	events <- ari.Event{Kind: ari.EventCallStart, CallID: "call-1", Caller: "1000"}

	require.Eventually(t, func() bool {
		s := opts.Registry.Get("call-1")
		return s != nil && s.State() == StateBridged
	}, 2*time.Second, 5*time.Millisecond)

	s := opts.Registry.Get("call-1")
	conn := dialMedia(t, s)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.State() == StateStreaming },
		2*time.Second, 5*time.Millisecond)

	// Voice activity markers ride the control channel, not the audio path
	events <- ari.Event{Kind: ari.EventVarSet, CallID: "call-1", Variable: "TALK_DETECTED", Value: "1"}
	require.Eventually(t, func() bool {
		pipeline.mu.Lock()
		defer pipeline.mu.Unlock()
		return len(pipeline.markers) == 1 && pipeline.markers[0] == [2]string{"TALK_DETECTED", "1"}
	}, 2*time.Second, 5*time.Millisecond)

	events <- ari.Event{Kind: ari.EventCallEnd, CallID: "call-1"}
	require.Eventually(t, func() bool { return opts.Registry.Len() == 0 },
		2*time.Second, 5*time.Millisecond)
	require.Equal(t, StateClosed, s.State())
	require.Equal(t, 0, ctl.hangupCount(), "platform-ended call needs no hangup")
	require.Equal(t, 10, opts.Ports.Available())

	// Signals for a call that is already gone are ignored
	events <- ari.Event{Kind: ari.EventCallEnd, CallID: "call-1"}
	events <- ari.Event{Kind: ari.EventHangupRequest, CallID: "never-seen"}
	events <- ari.Event{Kind: ari.EventPlaybackFinished, CallID: "never-seen"}
}

func TestDispatcher_MediaLegStartNotAdmitted(t *testing.T) {
	ctl := &fakeControl{}
	pipeline := newFakePipeline()
	opts := testOptions(ctl, pipeline, 45320)

	events, stop := startDispatcher(t, opts)
	defer stop()

	events <- ari.Event{Kind: ari.EventCallStart, CallID: "call-1", Caller: "1000"}

	require.Eventually(t, func() bool {
		s := opts.Registry.Get("call-1")
		return s != nil && s.State() == StateBridged
	}, 2*time.Second, 5*time.Millisecond)

	// The media leg announces itself under its own channel ID once it enters
	// the application. It must not be admitted as a second call.
	events <- ari.Event{Kind: ari.EventCallStart, CallID: "media-1"}

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, opts.Registry.Len(), "media leg was admitted as a new call")
	require.Equal(t, 9, opts.Ports.Available(), "media leg admission allocated a second port")
	require.Equal(t, float64(1), testutil.ToFloat64(opts.Metrics.SessionsStarted))

	opts.Registry.Get("call-1").Teardown(context.Background(), ReasonOperator)
	require.False(t, opts.Registry.OwnsMediaChannel("media-1"),
		"media leg binding must die with its session")
}

func TestDispatcher_CallEndImmediatelyAfterStart(t *testing.T) {
	ctl := &fakeControl{}
	pipeline := newFakePipeline()
	opts := testOptions(ctl, pipeline, 45340)

	events, stop := startDispatcher(t, opts)
	defer stop()

	// Back-to-back start/end pairs: the end must always observe the session
	// the start created, never race past it.
	const calls = 20
	for i := 0; i < calls; i++ {
		id := fmt.Sprintf("call-%d", i)
		events <- ari.Event{Kind: ari.EventCallStart, CallID: id, Caller: "1000"}
		events <- ari.Event{Kind: ari.EventCallEnd, CallID: id}
	}

	require.Eventually(t, func() bool { return opts.Registry.Len() == 0 },
		5*time.Second, 10*time.Millisecond, "some call-ends were processed before their call-starts")
	require.Equal(t, float64(calls), testutil.ToFloat64(opts.Metrics.SessionsStarted))
	require.Equal(t, 10, opts.Ports.Available(), "every port must come back promptly, not after the accept timeout")
	require.Equal(t, 0, ctl.hangupCount(), "platform-ended calls need no hangup")
}

func TestDispatcher_DuplicateCallStartIgnored(t *testing.T) {
	ctl := &fakeControl{}
	pipeline := newFakePipeline()
	opts := testOptions(ctl, pipeline, 45260)

	events, stop := startDispatcher(t, opts)
	defer stop()

	events <- ari.Event{Kind: ari.EventCallStart, CallID: "call-1", Caller: "1000"}
	events <- ari.Event{Kind: ari.EventCallStart, CallID: "call-1", Caller: "1000"}

	require.Eventually(t, func() bool { return opts.Registry.Len() == 1 },
		2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(opts.Metrics.SessionsStarted) == 1
	}, 2*time.Second, 5*time.Millisecond)

	s := opts.Registry.Get("call-1")
	require.NotNil(t, s)
	require.Eventually(t, func() bool { return s.State() == StateBridged },
		2*time.Second, 5*time.Millisecond)

	// The surviving session keeps its resources
	require.Equal(t, 9, opts.Ports.Available())

	s.Teardown(context.Background(), ReasonOperator)
}

func TestDispatcher_ControlFailureTearsDownAllCalls(t *testing.T) {
	ctl := &fakeControl{}
	pipeline := newFakePipeline()
	opts := testOptions(ctl, pipeline, 45280)

	events, stop := startDispatcher(t, opts)
	defer stop()

	events <- ari.Event{Kind: ari.EventCallStart, CallID: "call-1", Caller: "1000"}
	events <- ari.Event{Kind: ari.EventCallStart, CallID: "call-2", Caller: "2000"}

	require.Eventually(t, func() bool { return opts.Registry.Len() == 2 },
		2*time.Second, 5*time.Millisecond)

	events <- ari.Event{Kind: ari.EventTransportFailure, Err: errors.New("websocket closed")}

	require.Eventually(t, func() bool { return opts.Registry.Len() == 0 },
		2*time.Second, 5*time.Millisecond)
	require.Equal(t, 10, opts.Ports.Available(), "every media port must come back")
}

func TestDispatcher_IndependentCallsDoNotInterfere(t *testing.T) {
	ctl := &fakeControl{}
	pipeline := newFakePipeline()
	opts := testOptions(ctl, pipeline, 45300)

	events, stop := startDispatcher(t, opts)
	defer stop()

	events <- ari.Event{Kind: ari.EventCallStart, CallID: "call-1", Caller: "1000"}
	events <- ari.Event{Kind: ari.EventCallStart, CallID: "call-2", Caller: "2000"}

	require.Eventually(t, func() bool {
		a, b := opts.Registry.Get("call-1"), opts.Registry.Get("call-2")
		return a != nil && b != nil && a.State() == StateBridged && b.State() == StateBridged
	}, 2*time.Second, 5*time.Millisecond)

	s1 := opts.Registry.Get("call-1")
	s2 := opts.Registry.Get("call-2")
	require.NotEqual(t, s1.Snapshot().Port, s2.Snapshot().Port)

	events <- ari.Event{Kind: ari.EventCallEnd, CallID: "call-1"}

	require.Eventually(t, func() bool { return s1.State() == StateClosed },
		2*time.Second, 5*time.Millisecond)
	require.Equal(t, StateBridged, s2.State(), "ending one call must not touch the other")

	s2.Teardown(context.Background(), ReasonOperator)
}
