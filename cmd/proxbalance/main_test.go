package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/proxbalance/proxbalance/internal/config"
	"github.com/proxbalance/proxbalance/internal/domain"
)

func TestParseActions(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]domain.EvacuationAction
		wantErr bool
	}{
		{name: "none", pairs: nil, want: nil},
		{
			name:  "mixed",
			pairs: []string{"105=poweroff", " 110 = Ignore", "120=migrate"},
			want: map[string]domain.EvacuationAction{
				"105": domain.ActionPowerOff,
				"110": domain.ActionIgnore,
				"120": domain.ActionMigrate,
			},
		},
		{name: "missing separator", pairs: []string{"105"}, wantErr: true},
		{name: "missing guest", pairs: []string{"=poweroff"}, wantErr: true},
		{name: "unknown action", pairs: []string{"105=reboot"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseActions(tt.pairs)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrInvalidArgument) {
					t.Fatalf("expected ErrInvalidArgument, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for guest, action := range tt.want {
				if got[guest] != action {
					t.Errorf("guest %s: got %q, want %q", guest, got[guest], action)
				}
			}
		})
	}
}

func TestSetupLogger_Levels(t *testing.T) {
	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: "console", Output: "stderr"})
	if logger.Core().Enabled(-1) {
		t.Error("debug should be disabled at warn level")
	}
	if !logger.Core().Enabled(1) {
		t.Error("warn should be enabled at warn level")
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	defer rootCmd.SetArgs(nil)

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !bytes.Contains(out.Bytes(), []byte("Version: dev")) {
		t.Errorf("unexpected output: %q", out.String())
	}
}
