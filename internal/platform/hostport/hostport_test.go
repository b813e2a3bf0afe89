package hostport_test

import (
	"errors"
	"testing"

	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/hostport"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name      string
		authority string
		scheme    string
		want      string
		wantErr   bool
	}{
		{"https default port stripped", "tez.example.org:443", "https", "tez.example.org", false},
		{"http default port stripped", "tez.example.org:80", "http", "tez.example.org", false},
		{"non-default port kept", "tez.example.org:9200", "https", "tez.example.org:9200", false},
		{"443 is not default for http", "tez.example.org:443", "http", "tez.example.org:443", false},
		{"uppercase lowered", "Tez.EXAMPLE.org", "https", "tez.example.org", false},
		{"unicode to punycode", "bücher.example", "https", "xn--bcher-kva.example", false},
		{"ipv6 with port", "[::1]:9200", "https", "[::1]:9200", false},
		{"ipv6 default port", "[::1]:443", "https", "[::1]", false},
		{"ipv4", "127.0.0.1:9201", "http", "127.0.0.1:9201", false},
		{"surrounding whitespace", "  tez.example.org ", "https", "tez.example.org", false},
		{"ipv6 canonical form", "[0:0:0:0:0:0:0:1]:9200", "https", "[::1]:9200", false},
		{"bracketed ipv6 without port", "[2001:DB8::1]", "https", "[2001:db8::1]", false},

		{"scheme rejected", "https://tez.example.org", "https", "", true},
		{"path rejected", "tez.example.org/inbox", "https", "", true},
		{"userinfo rejected", "bob@tez.example.org", "https", "", true},
		{"empty rejected", "", "https", "", true},
		{"whitespace only rejected", "   ", "https", "", true},
		{"port out of range", "tez.example.org:70000", "https", "", true},
		{"empty port", "tez.example.org:", "https", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := hostport.Normalize(tt.authority, tt.scheme)
			if tt.wantErr {
				if !errors.Is(err, hostport.ErrInvalidHost) {
					t.Fatalf("Normalize(%q) error = %v, want ErrInvalidHost", tt.authority, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize(%q) unexpected error: %v", tt.authority, err)
			}
			if got != tt.want {
				t.Errorf("Normalize(%q, %q) = %q, want %q", tt.authority, tt.scheme, got, tt.want)
			}
		})
	}
}

func TestEqual(t *testing.T) {
	if !hostport.Equal("example.org", "EXAMPLE.org:443", "https") {
		t.Error("bare host and default port should be equal")
	}
	if hostport.Equal("example.org", "example.org:8443", "https") {
		t.Error("different ports should not be equal")
	}
	if hostport.Equal("", "", "https") {
		t.Error("invalid hosts never compare equal")
	}
}
