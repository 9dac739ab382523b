package httpproxy

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHasPort(t *testing.T) {
	cases := map[string]bool{
		"example.com:443": true,
		"example.com":     false,
		"[::1]:443":       true,
	}
	for host, want := range cases {
		if got := hasPort(host); got != want {
			t.Errorf("hasPort(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestCredentialsMatch(t *testing.T) {
	cases := []struct {
		expUser, expPass, user, pass string
		want                         bool
	}{
		{"alice", "secret", "alice", "secret", true},
		{"alice", "secret", "alice", "wrong", false},
		{"alice", "", "alice", "anything", true},
		{"", "secret", "anyone", "secret", true},
		{"", "", "anyone", "anything", true},
	}
	for _, c := range cases {
		if got := credentialsMatch(c.expUser, c.expPass, c.user, c.pass); got != c.want {
			t.Errorf("credentialsMatch(%q,%q,%q,%q) = %v, want %v", c.expUser, c.expPass, c.user, c.pass, got, c.want)
		}
	}
}

func TestServer_CheckAuth(t *testing.T) {
	s := &Server{cfg: Config{AuthEnabled: true, Username: "alice", Password: "secret"}}

	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	creds := base64.StdEncoding.EncodeToString([]byte("alice:secret"))
	req.Header.Set("Proxy-Authorization", "Basic "+creds)

	if !s.checkAuth(req) {
		t.Error("expected valid Proxy-Authorization to pass")
	}

	bad := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	if s.checkAuth(bad) {
		t.Error("expected missing Proxy-Authorization to fail")
	}
}
