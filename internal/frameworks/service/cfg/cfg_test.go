package cfg

import (
	"slices"
	"strings"
	"testing"
	"time"
)

type inboxConfig struct {
	MaxBundleBytes int64         `mapstructure:"max_bundle_bytes"`
	ReplayWindow   time.Duration `mapstructure:"replay_window"`
	Ratelimit      struct {
		Profile string `mapstructure:"profile"`
	} `mapstructure:"ratelimit"`
}

func (c *inboxConfig) ApplyDefaults() {
	if c.MaxBundleBytes == 0 {
		c.MaxBundleBytes = 1 << 20
	}
	if c.ReplayWindow == 0 {
		c.ReplayWindow = 5 * time.Minute
	}
}

func TestDecodeWithUnused(t *testing.T) {
	tests := []struct {
		name       string
		input      map[string]any
		wantBytes  int64
		wantWindow time.Duration
		wantUnused []string
	}{
		{
			name:       "defaults fill an empty block",
			input:      nil,
			wantBytes:  1 << 20,
			wantWindow: 5 * time.Minute,
		},
		{
			name:       "duration strings and nested tables",
			input:      map[string]any{"max_bundle_bytes": 4096, "replay_window": "90s", "ratelimit": map[string]any{"profile": "inbox"}},
			wantBytes:  4096,
			wantWindow: 90 * time.Second,
		},
		{
			name:       "unknown keys are reported sorted",
			input:      map[string]any{"zeta": 1, "alpha": true, "max_bundle_bytes": 10},
			wantBytes:  10,
			wantWindow: 5 * time.Minute,
			wantUnused: []string{"alpha", "zeta"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c inboxConfig
			unused, err := DecodeWithUnused(tt.input, &c)
			if err != nil {
				t.Fatalf("DecodeWithUnused: %v", err)
			}
			if c.MaxBundleBytes != tt.wantBytes || c.ReplayWindow != tt.wantWindow {
				t.Errorf("decoded %+v", c)
			}
			if !slices.Equal(unused, tt.wantUnused) {
				t.Errorf("unused = %v, want %v", unused, tt.wantUnused)
			}
		})
	}
}

func TestDecode_NestedProfile(t *testing.T) {
	var c inboxConfig
	if err := Decode(map[string]any{"ratelimit": map[string]any{"profile": "federation"}}, &c); err != nil {
		t.Fatal(err)
	}
	if c.Ratelimit.Profile != "federation" || c.MaxBundleBytes != 1<<20 {
		t.Errorf("decoded %+v", c)
	}
}

func TestDecode_TypeMismatch(t *testing.T) {
	var c inboxConfig
	if err := Decode(map[string]any{"replay_window": []string{"soon"}}, &c); err == nil {
		t.Error("expected an error for a non-duration replay_window")
	}
}

func TestMustDecodeStrict(t *testing.T) {
	var c inboxConfig
	if err := MustDecodeStrict(map[string]any{"replay_window": "1m"}, &c); err != nil {
		t.Errorf("clean block: %v", err)
	}
	err := MustDecodeStrict(map[string]any{"max_bundle_byte": 1}, &c)
	if err == nil || !strings.Contains(err.Error(), "max_bundle_byte") {
		t.Errorf("typo should be reported, got %v", err)
	}
}
