package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestInit_LevelParsing(t *testing.T) {
	tests := []struct {
		level       string
		wantEnabled zapcore.Level
		wantMuted   zapcore.Level
	}{
		{level: "debug", wantEnabled: zapcore.DebugLevel, wantMuted: -2},
		{level: "warn", wantEnabled: zapcore.WarnLevel, wantMuted: zapcore.InfoLevel},
		{level: "nonsense", wantEnabled: zapcore.InfoLevel, wantMuted: zapcore.DebugLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if err := Init(tt.level, "development"); err != nil {
				t.Fatalf("Init() failed: %v", err)
			}
			if !Log.Core().Enabled(tt.wantEnabled) {
				t.Errorf("level %s should be enabled for %q", tt.wantEnabled, tt.level)
			}
			if tt.wantMuted >= -1 && Log.Core().Enabled(tt.wantMuted) {
				t.Errorf("level %s should be muted for %q", tt.wantMuted, tt.level)
			}
		})
	}
}

func TestInit_ProductionBuilds(t *testing.T) {
	if err := Init("info", "production"); err != nil {
		t.Fatalf("Init() failed for production config: %v", err)
	}
	Sync()
}
