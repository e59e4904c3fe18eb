package bridge

import "context"

// SpeechSink receives caller audio and out-of-band markers. Push is
// fire-and-forget: the relay enforces the bounded-latency contract, so an
// implementation may block on its transport.
type SpeechSink interface {
	Push(callID string, frame []byte)
	PushMarker(callID, name, value string)
}

// SpeechSource hands back synthesized audio. Pull never blocks; it returns
// false when no frame is ready, and the relay waits for the next frame period.
type SpeechSource interface {
	Pull(callID string) ([]byte, bool)
}

// SpeechPipeline is the full per-call contract with the external
// VAD/STT/LLM/TTS service: a stream is opened when a call reaches streaming
// and closed during teardown.
type SpeechPipeline interface {
	SpeechSink
	SpeechSource
	StartStream(ctx context.Context, callID string) error
	StopStream(callID string)
}
