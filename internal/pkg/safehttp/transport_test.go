package safehttp

import (
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDenied(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"127.0.0.1", true},
		{"::1", true},
		{"10.1.2.3", true},
		{"172.16.0.1", true},
		{"192.168.1.1", true},
		{"169.254.169.254", true},
		{"fe80::1", true},
		{"0.0.0.0", true},
		{"224.0.0.1", true},
		{"8.8.8.8", false},
		{"2606:4700:4700::1111", false},
	}
	for _, tt := range tests {
		if got := Denied(net.ParseIP(tt.ip)); got != tt.want {
			t.Errorf("Denied(%s) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}

func TestClient_RejectsLoopback(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	_, err := NewClient(2 * time.Second).Get(srv.URL)
	if err == nil {
		t.Fatal("expected loopback webhook to be rejected")
	}
	if !errors.Is(err, ErrDeniedAddress) {
		t.Errorf("error = %v, want ErrDeniedAddress", err)
	}
	if called {
		t.Error("request must not reach the server")
	}
}

func TestControl_BadAddress(t *testing.T) {
	if err := control("tcp", "no-port", nil); err == nil {
		t.Error("expected error for address without port")
	}
	if err := control("tcp", "example.com:80", nil); err == nil {
		t.Error("expected error for unresolved host")
	}
	if err := control("tcp", "93.184.216.34:443", nil); err != nil {
		t.Errorf("public address rejected: %v", err)
	}
}
