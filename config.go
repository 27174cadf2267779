package gdnet

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// HostConfig is the file-loadable configuration used by the command line
// tools and convenient for embedders.
type HostConfig struct {
	Host string `yaml:"host"`
	Port uint16 `yaml:"port"`

	MaxPeers    int `yaml:"max_peers"`
	MaxChannels int `yaml:"max_channels"`

	BandwidthIn  uint32 `yaml:"bandwidth_in"`
	BandwidthOut uint32 `yaml:"bandwidth_out"`

	Compress bool `yaml:"compress"`
	Checksum bool `yaml:"checksum"`

	TimeoutLimit   uint32 `yaml:"timeout_limit"`
	TimeoutMinimum uint32 `yaml:"timeout_minimum"`
	TimeoutMaximum uint32 `yaml:"timeout_maximum"`
}

// LoadHostConfig reads a YAML host configuration from path.
func LoadHostConfig(path string) (*HostConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	config := &HostConfig{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrInvalidArgument, path, err)
	}

	return config, nil
}

// Address resolves the configured host and port.
func (c *HostConfig) Address() (Address, error) {
	return ResolveAddress(c.Host, c.Port)
}

// NewHost creates a host from the configuration.
func (c *HostConfig) NewHost() (*Host, error) {
	var address *Address
	if c.Port != 0 || c.Host != "" {
		resolved, err := c.Address()
		if err != nil {
			return nil, err
		}
		address = &resolved
	}

	peers := c.MaxPeers
	if peers == 0 {
		peers = defaultMaxPeers
	}
	channels := c.MaxChannels
	if channels == 0 {
		channels = defaultMaxChannels
	}

	host, err := NewHost(address, peers, channels, c.BandwidthIn, c.BandwidthOut)
	if err != nil {
		return nil, err
	}

	if c.Compress {
		host.CompressWithRangeCoder()
	}
	if c.Checksum {
		host.SetChecksum(ChecksumCRC32)
	}

	return host, nil
}
