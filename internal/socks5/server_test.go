package socks5

import (
	"context"
	"io"
	"net"
	"testing"
	"time"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s := NewServer(ServerConfig{
		ListenIPAddress: "127.0.0.1",
		ListenPort:      0,
		DNSCache:        NewDNSCache(nil),
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func TestServer_AcceptsAndTracksConnections(t *testing.T) {
	s := newTestServer(t)

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte{0x05, 0x01, 0x00})
	reply := make([]byte, 2)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read method reply: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.tracker.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.tracker.count() == 0 {
		t.Error("expected tracker to register the accepted connection")
	}
}

func TestServer_StopClosesListenerAndHandlers(t *testing.T) {
	s := NewServer(ServerConfig{
		ListenIPAddress: "127.0.0.1",
		ListenPort:      0,
		DNSCache:        NewDNSCache(nil),
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.StopWithContext(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("StopWithContext: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("StopWithContext did not return")
	}

	if s.IsRunning() {
		t.Error("server should report not running after Stop")
	}

	if _, err := net.Dial("tcp", s.Addr().String()); err == nil {
		t.Error("expected listener to be closed after Stop")
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("client read error = %v, want io.EOF after Stop closed the handler's connection", err)
	}
}

func TestServer_StatsReflectsUDPAssociations(t *testing.T) {
	s := newTestServer(t)

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte{0x05, 0x01, 0x00})
	reply := make([]byte, 2)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	io.ReadFull(conn, reply)

	conn.Write([]byte{0x05, 0x03, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	assocReply := make([]byte, 10)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(conn, assocReply); err != nil {
		t.Fatalf("read udp associate reply: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Stats().UDPAssociationsActive == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.Stats().UDPAssociationsActive == 0 {
		t.Error("expected an active udp association to be reflected in Stats")
	}

	conn.Close()
}
