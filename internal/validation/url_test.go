package validation

import (
	"net"
	"strings"
	"testing"
)

func TestNewAPIURLValidator(t *testing.T) {
	v := NewAPIURLValidator()
	if v.AllowLocalhost || v.AllowPrivateIPs {
		t.Error("Expected strict validator to block local and private hosts")
	}
	if v.MaxLength != 2048 {
		t.Errorf("Expected MaxLength to be 2048, got %d", v.MaxLength)
	}

	p := NewPermissiveAPIURLValidator()
	if !p.AllowLocalhost || !p.AllowPrivateIPs {
		t.Error("Expected permissive validator to allow local and private hosts")
	}
}

func TestValidateAndNormalize(t *testing.T) {
	v := NewAPIURLValidator()

	tests := []struct {
		name        string
		input       string
		expected    string
		shouldError bool
		errorMsg    string
	}{
		{name: "story api", input: "https://story-api.dicoding.dev/v1", expected: "https://story-api.dicoding.dev/v1"},
		{name: "trailing slash trimmed", input: "https://story-api.dicoding.dev/v1/", expected: "https://story-api.dicoding.dev/v1"},
		{name: "scheme added", input: "story-api.dicoding.dev/v1", expected: "https://story-api.dicoding.dev/v1"},
		{name: "fragment dropped", input: "https://api.stories.dev/v1#x", expected: "https://api.stories.dev/v1"},
		{name: "whitespace trimmed", input: "  https://api.stories.dev  ", expected: "https://api.stories.dev"},
		{name: "empty", input: "", shouldError: true, errorMsg: "cannot be empty"},
		{name: "ftp scheme", input: "ftp://api.stories.dev", shouldError: true, errorMsg: "http or https"},
		{name: "invalid characters", input: "https://api.stories.dev/<v1>", shouldError: true, errorMsg: "invalid characters"},
		{name: "credentials", input: "https://user:pw@api.stories.dev", shouldError: true, errorMsg: "credentials"},
		{name: "localhost", input: "http://localhost:8080/v1", shouldError: true, errorMsg: "localhost"},
		{name: "private ip", input: "http://192.168.1.10/v1", shouldError: true, errorMsg: "private IP"},
		{name: "traversal", input: "https://api.stories.dev/v1/../admin", shouldError: true, errorMsg: "traversal"},
		{name: "unroutable", input: "http://0.0.0.0/v1", shouldError: true, errorMsg: "unroutable"},
		{name: "too long", input: "https://api.stories.dev/" + strings.Repeat("a", 2100), shouldError: true, errorMsg: "too long"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.ValidateAndNormalize(tt.input)
			if tt.shouldError {
				if err == nil {
					t.Fatalf("Expected error for %q, got %q", tt.input, got)
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error containing %q, got %q", tt.errorMsg, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error for %q: %v", tt.input, err)
			}
			if got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestPermissiveAllowsDevServers(t *testing.T) {
	v := NewPermissiveAPIURLValidator()

	for _, input := range []string{
		"http://localhost:8080/v1",
		"http://127.0.0.1:3000",
		"http://10.0.0.5/v1",
		"http://[::1]:8080/v1",
	} {
		if _, err := v.ValidateAndNormalize(input); err != nil {
			t.Errorf("Expected %q to be accepted, got %v", input, err)
		}
	}
}

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip      string
		private bool
	}{
		{"10.1.2.3", true},
		{"172.16.0.1", true},
		{"192.168.0.1", true},
		{"127.0.0.1", true},
		{"169.254.1.1", true},
		{"fd00::1", true},
		{"fe80::1", true},
		{"8.8.8.8", false},
		{"2001:4860:4860::8888", false},
	}
	for _, tt := range tests {
		if got := isPrivateIP(net.ParseIP(tt.ip)); got != tt.private {
			t.Errorf("isPrivateIP(%s) = %v, want %v", tt.ip, got, tt.private)
		}
	}
}

func TestValidateAppPath(t *testing.T) {
	valid := []string{"/index.html", "/styles/styles.css", "/images/logo.png?v=2"}
	for _, p := range valid {
		if _, err := ValidateAppPath(p); err != nil {
			t.Errorf("Expected %q to be valid, got %v", p, err)
		}
	}

	invalid := []string{"", "index.html", "//cdn.example/x.css", "https://evil/x", "/a/../b"}
	for _, p := range invalid {
		if _, err := ValidateAppPath(p); err == nil {
			t.Errorf("Expected %q to be rejected", p)
		}
	}
}
