package main

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tailriver/tailriver/internal/config"
)

func TestSetupLogging(t *testing.T) {
	previous := log.Logger
	t.Cleanup(func() { log.Logger = previous })

	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"bogus", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			setupLogging(config.LoggingConfig{Level: tt.level, Format: "json"})
			if got := log.Logger.GetLevel(); got != tt.want {
				t.Errorf("level = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCommands(t *testing.T) {
	names := map[string]bool{}
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"start", "status", "version"} {
		if !names[want] {
			t.Errorf("missing %s command", want)
		}
	}
	if flag := rootCmd.PersistentFlags().Lookup("config"); flag == nil || flag.DefValue != "tailriver.yaml" {
		t.Errorf("unexpected config flag %+v", flag)
	}
}
