package blds

import (
	"bufio"
	"context"
	"encoding/binary"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/blds/internal/protocol"
)

func writeReplayFile(t *testing.T, nrows, nchannels int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replay.bin")
	buf := make([]byte, 4+nrows*nchannels*2)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(nchannels))
	off := 4
	for r := 0; r < nrows; r++ {
		for c := 0; c < nchannels; c++ {
			binary.LittleEndian.PutUint16(buf[off:off+2], uint16(r))
			off += 2
		}
	}
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		t.Fatalf("write replay file: %v", err)
	}
	return path
}

func mustDial(t *testing.T, addr net.Addr) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	return conn
}

func TestServerCreateSourceAndStatusEndToEnd(t *testing.T) {
	replay := writeReplayFile(t, 5, 2)

	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.StatusAddr = "127.0.0.1:0"
	cfg.MaxClients = 2
	cfg.GuardFailureThreshold = 0

	srv, err := NewServer(cfg, WithLogger(nil))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	go func() { _ = srv.Start() }()
	readyCtx, readyCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer readyCancel()
	if err := srv.WaitUntilReady(readyCtx); err != nil {
		t.Fatalf("wait until ready: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	conn := mustDial(t, srv.ListenerAddr())
	defer conn.Close()

	payload := append([]byte("create-source\nfile\n"), replay...)
	if err := protocol.WriteFrame(conn, payload); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	reader := bufio.NewReader(conn)
	reply, err := protocol.ReadFrame(reader)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if len(reply) < len("source-created")+2 {
		t.Fatalf("reply too short: %q", reply)
	}
	if string(reply[:len("source-created")]) != "source-created" {
		t.Fatalf("unexpected reply type: %q", reply)
	}
	successByte := reply[len("source-created")+1]
	if successByte != 1 {
		t.Fatalf("expected success=1, got %d (reply=%q)", successByte, reply)
	}

	statusAddr := srv.StatusListenerAddr()
	if statusAddr == nil {
		t.Fatal("expected status listener address to be available")
	}
	resp, err := http.Get("http://" + statusAddr.String() + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /status = %d, want 200", resp.StatusCode)
	}

	resp2, err := http.Get("http://" + statusAddr.String() + "/source")
	if err != nil {
		t.Fatalf("GET /source: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("GET /source = %d, want 200 (source should exist after create-source)", resp2.StatusCode)
	}
}

func TestServerRejectsConnectionsOverMaxClients(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.StatusAddr = ""
	cfg.MaxClients = 1
	cfg.GuardFailureThreshold = 0

	srv, err := NewServer(cfg, WithLogger(nil))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	go func() { _ = srv.Start() }()
	readyCtx, readyCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer readyCancel()
	if err := srv.WaitUntilReady(readyCtx); err != nil {
		t.Fatalf("wait until ready: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	first := mustDial(t, srv.ListenerAddr())
	defer first.Close()

	second := mustDial(t, srv.ListenerAddr())
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := second.Read(buf); err == nil {
		t.Fatal("expected the over-cap connection to be closed by the server")
	}
}

func TestServerShutdownClosesListeners(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.StatusAddr = "127.0.0.1:0"
	cfg.GuardFailureThreshold = 0

	srv, stop, err := StartServer(context.Background(), cfg, WithLogger(nil))
	if err != nil {
		t.Fatalf("start server: %v", err)
	}

	listenerAddr := srv.ListenerAddr().String()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := stop(shutdownCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if _, err := net.DialTimeout("tcp", listenerAddr, 500*time.Millisecond); err == nil {
		t.Fatal("expected dial to fail after shutdown")
	}
}
