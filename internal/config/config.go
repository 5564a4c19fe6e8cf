// Package config loads the gateway configuration file.
//
// The file is optional YAML. Missing keys keep their defaults and command
// line flags override whatever the file sets.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Air-hive/Airhive-firmware-v2/internal/discovery"
	"github.com/Air-hive/Airhive-firmware-v2/internal/link"

	"gopkg.in/yaml.v3"
)

// Gateway is the airhived configuration.
type Gateway struct {
	HTTPAddr    string    `yaml:"http_addr"`
	MetricsAddr string    `yaml:"metrics_addr"`
	GRPCAddr    string    `yaml:"grpc_addr"`
	DBPath      string    `yaml:"db_path"`
	LogLevel    string    `yaml:"log_level"`
	NATSURL     string    `yaml:"nats_url,omitempty"` // empty disables event publishing
	Trace       bool      `yaml:"trace"`
	Discovery   Discovery `yaml:"discovery"`
	Link        Link      `yaml:"link"`
}

type Discovery struct {
	Name        string `yaml:"name"`
	ServiceType string `yaml:"service_type"`
	Disabled    bool   `yaml:"disabled"`
}

type Link struct {
	SerialPort    string        `yaml:"serial_port,omitempty"` // empty selects the simulated link
	BaudRate      int           `yaml:"baud_rate"`
	AckTimeout    time.Duration `yaml:"ack_timeout"`
	TxBufferBytes int           `yaml:"tx_buffer_bytes"`
}

// Default returns the configuration used when no file is present.
func Default() Gateway {
	return Gateway{
		HTTPAddr:    ":80",
		MetricsAddr: ":9090",
		GRPCAddr:    ":50051",
		DBPath:      "./data/badger",
		LogLevel:    "info",
		Discovery: Discovery{
			Name:        "Airhive",
			ServiceType: discovery.DefaultServiceType,
		},
		Link: Link{
			BaudRate:      link.DefaultBaudRate,
			AckTimeout:    link.DefaultAckTimeout,
			TxBufferBytes: link.DefaultTxBufferBytes,
		},
	}
}

// Load reads path over the defaults. An empty path or a missing file
// yields Default().
func Load(path string) (Gateway, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Gateway{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Gateway{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate reports the first setting the gateway cannot start with.
func (g Gateway) Validate() error {
	switch {
	case g.HTTPAddr == "":
		return errors.New("http_addr is required")
	case g.MetricsAddr == "":
		return errors.New("metrics_addr is required")
	case g.GRPCAddr == "":
		return errors.New("grpc_addr is required")
	case g.DBPath == "":
		return errors.New("db_path is required")
	case g.Discovery.Name == "":
		return errors.New("discovery.name is required")
	case g.Discovery.ServiceType == "":
		return errors.New("discovery.service_type is required")
	case g.Link.BaudRate <= 0:
		return fmt.Errorf("link.baud_rate must be positive, got %d", g.Link.BaudRate)
	case g.Link.AckTimeout <= 0:
		return fmt.Errorf("link.ack_timeout must be positive, got %s", g.Link.AckTimeout)
	case g.Link.TxBufferBytes <= 0:
		return fmt.Errorf("link.tx_buffer_bytes must be positive, got %d", g.Link.TxBufferBytes)
	}
	return nil
}
