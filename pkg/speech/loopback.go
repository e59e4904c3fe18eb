package speech

import (
	"context"
	"sync"
)

// Loopback is an in-process pipeline that plays the caller's own audio back
// to them. It needs no external service, which makes it the development and
// smoke-test pipeline: if the echo is clean, the whole media path works.
type Loopback struct {
	queueSize int

	mu     sync.RWMutex
	queues map[string]chan []byte
}

func NewLoopback(queueSize int) *Loopback {
	return &Loopback{
		queueSize: queueSize,
		queues:    make(map[string]chan []byte),
	}
}

func (l *Loopback) StartStream(_ context.Context, callID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.queues[callID]; !exists {
		l.queues[callID] = make(chan []byte, l.queueSize)
	}
	return nil
}

func (l *Loopback) StopStream(callID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.queues, callID)
}

// Push echoes the frame back into the call's playback queue, shedding the
// oldest buffered frame when full.
func (l *Loopback) Push(callID string, frame []byte) {
	l.mu.RLock()
	q, ok := l.queues[callID]
	l.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case q <- frame:
	default:
		select {
		case <-q:
		default:
		}
		select {
		case q <- frame:
		default:
		}
	}
}

// PushMarker is a no-op; the loopback has no use for voice activity.
func (l *Loopback) PushMarker(_, _, _ string) {}

func (l *Loopback) Pull(callID string) ([]byte, bool) {
	l.mu.RLock()
	q, ok := l.queues[callID]
	l.mu.RUnlock()
	if !ok {
		return nil, false
	}
	select {
	case frame := <-q:
		return frame, true
	default:
		return nil, false
	}
}
