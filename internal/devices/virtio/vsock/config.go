package vsock

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config describes one vsock device.
type Config struct {
	// CID is the guest's context id. Values 0-2 are reserved.
	CID uint64 `yaml:"cid"`

	// SocketPath, when set, backs the device with a UnixBackend rooted
	// at this path.
	SocketPath string `yaml:"socket_path"`

	// QueueSizes are the maximum ring sizes for the RX, TX, and event
	// queues. Missing entries take the default.
	QueueSizes []uint16 `yaml:"queue_sizes"`

	// TxBufWatermark bounds per-connection buffering toward the host.
	TxBufWatermark int `yaml:"tx_buf_watermark"`

	// MaxConnections caps live connections on the device.
	MaxConnections int `yaml:"max_connections"`
}

// LoadConfig reads a device config from a YAML file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("vsock: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("vsock: parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	for len(c.QueueSizes) < queueCount {
		c.QueueSizes = append(c.QueueSizes, defaultQueueSize)
	}
	if c.TxBufWatermark == 0 {
		c.TxBufWatermark = DefaultTxBufWatermark
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = DefaultMaxConnections
	}
}

// Validate rejects configs no device can be built from.
func (c *Config) Validate() error {
	if c.CID <= CIDHost {
		return fmt.Errorf("vsock: cid %d is reserved", c.CID)
	}
	if len(c.QueueSizes) != queueCount {
		return fmt.Errorf("vsock: want %d queue sizes, got %d", queueCount, len(c.QueueSizes))
	}
	for i, size := range c.QueueSizes {
		if size == 0 || size&(size-1) != 0 {
			return fmt.Errorf("vsock: queue %d size %d is not a power of two", i, size)
		}
	}
	if c.TxBufWatermark < 0 {
		return fmt.Errorf("vsock: negative tx buffer watermark")
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("vsock: negative connection limit")
	}
	return nil
}
