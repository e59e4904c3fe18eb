package env

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("ARI_USERNAME", "ari")
	t.Setenv("ARI_PASSWORD", "secret")
	t.Setenv("JWT_SECRET", "jwt-secret")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.AppPort != "8080" {
		t.Errorf("AppPort = %q, want 8080", cfg.AppPort)
	}
	if cfg.SampleRate != 16000 || cfg.SampleWidth != 2 {
		t.Errorf("audio defaults = %d/%d, want 16000/2", cfg.SampleRate, cfg.SampleWidth)
	}
	if cfg.FrameDuration != 50*time.Millisecond {
		t.Errorf("FrameDuration = %s, want 50ms", cfg.FrameDuration)
	}
	if cfg.HangupGrace != 300*time.Millisecond {
		t.Errorf("HangupGrace = %s, want 300ms", cfg.HangupGrace)
	}
	if cfg.MediaPortMin != 5000 || cfg.MediaPortMax != 5999 {
		t.Errorf("port range = %d-%d, want 5000-5999", cfg.MediaPortMin, cfg.MediaPortMax)
	}
	if cfg.DispatchWorkers != 10 {
		t.Errorf("DispatchWorkers = %d, want 10", cfg.DispatchWorkers)
	}
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("MEDIA_PORT_MIN", "7000")
	t.Setenv("MEDIA_PORT_MAX", "7099")
	t.Setenv("AUDIO_FRAME_MS", "20")
	t.Setenv("OTEL_ENABLED", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.MediaPortMin != 7000 || cfg.MediaPortMax != 7099 {
		t.Errorf("port range = %d-%d, want 7000-7099", cfg.MediaPortMin, cfg.MediaPortMax)
	}
	if cfg.FrameDuration != 20*time.Millisecond {
		t.Errorf("FrameDuration = %s, want 20ms", cfg.FrameDuration)
	}
	if !cfg.OTELEnabled {
		t.Error("OTELEnabled not parsed")
	}
}

func TestLoad_RejectsInvalidPortRange(t *testing.T) {
	setRequired(t)
	t.Setenv("MEDIA_PORT_MIN", "6000")
	t.Setenv("MEDIA_PORT_MAX", "5000")

	if _, err := Load(""); err == nil {
		t.Fatal("Load() accepted an inverted port range")
	}
}
