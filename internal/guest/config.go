package guest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vqwire/vqwire/internal/wire"
)

// Config describes a device instance. Zero fields take defaults from
// ApplyDefaults; LoadConfig reads a YAML file and applies them.
type Config struct {
	// Name tags log lines from this device.
	Name string `yaml:"name"`

	// QueueSize is the descriptor capacity of each ring. Must match what
	// the host negotiated.
	QueueSize int `yaml:"queue_size"`

	// BufferSize is the size of each pooled inbound buffer, rounded up to
	// a page.
	BufferSize int `yaml:"buffer_size"`

	// InboundBuffers caps how many pool buffers may be outstanding on the
	// event ring at once. Zero means QueueSize.
	InboundBuffers int `yaml:"inbound_buffers"`

	// MinHandle and MaxHandle bound guest-allocated VFD ids.
	MinHandle uint32 `yaml:"min_handle"`
	MaxHandle uint32 `yaml:"max_handle"`
}

func (c *Config) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "vqwire0"
	}
	if c.QueueSize == 0 {
		c.QueueSize = 16
	}
	if c.BufferSize == 0 {
		c.BufferSize = 4096
	}
	if c.InboundBuffers == 0 {
		c.InboundBuffers = c.QueueSize
	}
	if c.MinHandle == 0 {
		c.MinHandle = 1
	}
	if c.MaxHandle == 0 {
		c.MaxHandle = wire.HostIDBit - 1
	}
}

func (c *Config) Validate() error {
	if c.QueueSize < 1 {
		return fmt.Errorf("guest: queue_size must be positive, got %d", c.QueueSize)
	}
	if c.MinHandle > c.MaxHandle {
		return fmt.Errorf("guest: min_handle %d above max_handle %d", c.MinHandle, c.MaxHandle)
	}
	if c.MaxHandle&(wire.HostIDBit|wire.IllegalSignBit) != 0 {
		return fmt.Errorf("guest: max_handle %#x overlaps reserved id bits", c.MaxHandle)
	}
	return nil
}

func LoadConfig(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("guest: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("guest: parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
