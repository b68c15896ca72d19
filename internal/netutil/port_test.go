package netutil

import (
	"net"
	"strings"
	"testing"
)

func TestSelectBindAddrPreferredFree(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	free := ln.Addr().String()
	ln.Close()

	got, err := SelectBindAddr(free, nil, false)
	if err != nil {
		t.Fatalf("SelectBindAddr: %v", err)
	}
	if got != free {
		t.Errorf("got %s, want %s", got, free)
	}
}

func TestSelectBindAddrBusyNoFallback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer ln.Close()
	busy := ln.Addr().String()

	_, err = SelectBindAddr(busy, nil, false)
	if err == nil {
		t.Fatal("expected error for busy address without fallback")
	}
	if !strings.Contains(err.Error(), "in use") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSelectBindAddrFallback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer ln.Close()
	busy := ln.Addr().String()

	spare, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve fallback: %v", err)
	}
	fallback := spare.Addr().String()
	spare.Close()

	got, err := SelectBindAddr(busy, []string{busy, fallback}, true)
	if err != nil {
		t.Fatalf("SelectBindAddr: %v", err)
	}
	if got != fallback {
		t.Errorf("got %s, want fallback %s", got, fallback)
	}
}

func TestSelectBindAddrNoCandidates(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer ln.Close()

	_, err = SelectBindAddr(ln.Addr().String(), nil, true)
	if err == nil {
		t.Fatal("expected error when fallback has no candidates")
	}
}
