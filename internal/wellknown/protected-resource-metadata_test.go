package wellknown

import (
	"net/url"
	"testing"
)

func TestMetadataURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		resource string
		want     string
	}{
		{"https://gw.example.com", "https://gw.example.com/.well-known/oauth-protected-resource"},
		{"https://gw.example.com/", "https://gw.example.com/.well-known/oauth-protected-resource"},
		{"https://gw.example.com/httpl", "https://gw.example.com/.well-known/oauth-protected-resource/httpl"},
	}
	for _, tt := range tests {
		u, err := url.Parse(tt.resource)
		if err != nil {
			t.Fatalf("parse %q: %v", tt.resource, err)
		}
		if got := MetadataURL(u).String(); got != tt.want {
			t.Errorf("MetadataURL(%q) = %q, want %q", tt.resource, got, tt.want)
		}
	}
}
