package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != Default() {
		t.Fatalf("Load = %+v, want defaults", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "airhived.yaml")
	data := []byte(`
http_addr: ":8080"
nats_url: nats://127.0.0.1:4222
discovery:
  name: Airhive-bench
link:
  serial_port: /dev/ttyUSB0
  baud_rate: 250000
  ack_timeout: 2500ms
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.NATSURL != "nats://127.0.0.1:4222" {
		t.Fatalf("addresses = %q, %q", cfg.HTTPAddr, cfg.NATSURL)
	}
	if cfg.Discovery.Name != "Airhive-bench" {
		t.Fatalf("discovery name = %q", cfg.Discovery.Name)
	}
	if cfg.Discovery.ServiceType != Default().Discovery.ServiceType {
		t.Fatalf("service type = %q, want default kept", cfg.Discovery.ServiceType)
	}
	if cfg.Link.SerialPort != "/dev/ttyUSB0" || cfg.Link.BaudRate != 250000 {
		t.Fatalf("link = %+v", cfg.Link)
	}
	if cfg.Link.AckTimeout != 2500*time.Millisecond {
		t.Fatalf("ack timeout = %s", cfg.Link.AckTimeout)
	}
	if cfg.MetricsAddr != ":9090" {
		t.Fatalf("metrics addr = %q, want default", cfg.MetricsAddr)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("link: [1, 2"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load succeeded on malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Gateway)
	}{
		{"empty http addr", func(g *Gateway) { g.HTTPAddr = "" }},
		{"empty discovery name", func(g *Gateway) { g.Discovery.Name = "" }},
		{"zero baud", func(g *Gateway) { g.Link.BaudRate = 0 }},
		{"negative baud", func(g *Gateway) { g.Link.BaudRate = -9600 }},
		{"zero ack timeout", func(g *Gateway) { g.Link.AckTimeout = 0 }},
		{"zero tx buffer", func(g *Gateway) { g.Link.TxBufferBytes = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("Validate succeeded")
			}
		})
	}
}
