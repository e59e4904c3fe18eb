package ari

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventKind classifies control-channel events into the cases the dispatcher
// switches on. Everything else Asterisk emits is dropped at decode time.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventCallStart
	EventCallEnd
	EventHangupRequest
	EventVarSet
	EventPlaybackFinished
	EventTransportFailure
)

func (k EventKind) String() string {
	switch k {
	case EventCallStart:
		return "call_start"
	case EventCallEnd:
		return "call_end"
	case EventHangupRequest:
		return "hangup_request"
	case EventVarSet:
		return "varset"
	case EventPlaybackFinished:
		return "playback_finished"
	case EventTransportFailure:
		return "transport_failure"
	default:
		return "unknown"
	}
}

// Event is one decoded control-channel message. CallID is set for every kind
// except EventTransportFailure, which instead carries Err.
type Event struct {
	Kind     EventKind
	CallID   string
	Caller   string // caller number on call-start, when the platform sends one
	Variable string // varset only
	Value    string // varset only
	Err      error  // transport failure only
}

// rawMessage mirrors the subset of the ARI websocket payload we care about.
type rawMessage struct {
	Type    string `json:"type"`
	Channel struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Caller struct {
			Number string `json:"number"`
		} `json:"caller"`
	} `json:"channel"`
	Variable string `json:"variable"`
	Value    string `json:"value"`
	Playback struct {
		TargetURI string `json:"target_uri"`
	} `json:"playback"`
}

// decodeEvent maps one ARI websocket message to an Event. The second return
// is false for message types the bridge does not handle.
func decodeEvent(data []byte) (Event, bool, error) {
	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, false, fmt.Errorf("failed to decode ARI message: %w", err)
	}

	switch raw.Type {
	case "StasisStart":
		// External media channels enter the application too and announce
		// themselves with their own StasisStart. Their lifecycle belongs to
		// the session that requested them; admitting one as a caller would
		// spawn a second session (and a second media leg) per call.
		if strings.HasPrefix(raw.Channel.Name, "UnicastRTP/") {
			return Event{}, false, nil
		}
		return Event{Kind: EventCallStart, CallID: raw.Channel.ID, Caller: raw.Channel.Caller.Number}, true, nil
	case "StasisEnd", "ChannelDestroyed":
		return Event{Kind: EventCallEnd, CallID: raw.Channel.ID}, true, nil
	case "ChannelHangupRequest":
		return Event{Kind: EventHangupRequest, CallID: raw.Channel.ID}, true, nil
	case "ChannelVarset":
		return Event{Kind: EventVarSet, CallID: raw.Channel.ID, Variable: raw.Variable, Value: raw.Value}, true, nil
	case "PlaybackFinished":
		// Playback targets look like "channel:<id>"; anything else is not a
		// per-call playback and cannot be routed to a session.
		target := raw.Playback.TargetURI
		if !strings.HasPrefix(target, "channel:") {
			return Event{}, false, fmt.Errorf("cannot handle playback target %q", target)
		}
		return Event{Kind: EventPlaybackFinished, CallID: strings.TrimPrefix(target, "channel:")}, true, nil
	default:
		return Event{}, false, nil
	}
}
