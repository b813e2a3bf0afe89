package instanceid_test

import (
	"testing"

	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/instanceid"
)

func TestNormalizePublicOrigin(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"https://tez.example.org", "https://tez.example.org", false},
		{"HTTPS://Tez.Example.ORG/", "https://tez.example.org", false},
		{"https://tez.example.org:443", "https://tez.example.org:443", false},
		{"http://[::1]:9200", "http://[::1]:9200", false},
		{"", "", true},
		{"tez.example.org", "", true},
	}
	for _, tt := range tests {
		got, err := instanceid.NormalizePublicOrigin(tt.input)
		if (err != nil) != tt.wantErr {
			t.Fatalf("NormalizePublicOrigin(%q) err = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("NormalizePublicOrigin(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestFederationHost(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"https://tez.example.org", "tez.example.org"},
		{"https://tez.example.org:443/", "tez.example.org"},
		{"http://127.0.0.1:9201", "127.0.0.1:9201"},
		{"https://Team.Example.org:8443", "team.example.org:8443"},
	}
	for _, tt := range tests {
		got, err := instanceid.FederationHost(tt.input)
		if err != nil {
			t.Fatalf("FederationHost(%q): %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("FederationHost(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestHostname(t *testing.T) {
	got, err := instanceid.Hostname("https://[::1]:9200")
	if err != nil {
		t.Fatal(err)
	}
	if got != "::1" {
		t.Errorf("Hostname = %q, want ::1", got)
	}
	if _, err := instanceid.ProviderFQDN("/relative"); err == nil {
		t.Error("expected error for relative origin")
	}
}
