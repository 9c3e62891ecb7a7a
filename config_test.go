package blds

import "testing"

func TestDefaultConfigMatchesDefaultConstants(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("listen addr = %q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.ListenProto != DefaultListenProto {
		t.Fatalf("listen proto = %q, want %q", cfg.ListenProto, DefaultListenProto)
	}
	if cfg.StatusAddr != DefaultStatusAddr {
		t.Fatalf("status addr = %q, want %q", cfg.StatusAddr, DefaultStatusAddr)
	}
	if cfg.MaxClients != DefaultMaxClients {
		t.Fatalf("max clients = %d, want %d", cfg.MaxClients, DefaultMaxClients)
	}
	if cfg.GuardFailureThreshold <= 0 {
		t.Fatalf("expected guard enabled by default, got threshold %d", cfg.GuardFailureThreshold)
	}
}
