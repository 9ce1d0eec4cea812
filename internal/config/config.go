// SPDX-License-Identifier:Apache-2.0

// Package config loads the agent configuration file.
package config // import "go.universe.tf/torsync/internal/config"

import (
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/sets"
	"sigs.k8s.io/yaml"
)

const (
	defaultDatabase          = "hardware_vtep"
	defaultTeardownBatchSize = 32
	defaultStaleTimeout      = 5 * time.Minute
	defaultSnapshotTimeout   = 30 * time.Second

	maxVxlanID = 1<<24 - 1
)

// Config is a parsed agent configuration.
type Config struct {
	// TSNAddress is the tunnel service node the device floods unknown
	// destinations to.
	TSNAddress string `json:"tsnAddress"`
	// DeviceAddress is the host:port of the device's OVSDB server.
	DeviceAddress     string           `json:"deviceAddress"`
	Database          string           `json:"database,omitempty"`
	TeardownBatchSize int              `json:"teardownBatchSize,omitempty"`
	StaleTimeout      metav1.Duration  `json:"staleTimeout,omitempty"`
	SnapshotTimeout   metav1.Duration  `json:"snapshotTimeout,omitempty"`
	VirtualNetworks   []VirtualNetwork `json:"virtualNetworks,omitempty"`
}

// VirtualNetwork binds a virtual network to a VXLAN segment on a
// physical switch of the device.
type VirtualNetwork struct {
	UUID    string `json:"uuid"`
	VxlanID int64  `json:"vxlanID"`
	Device  string `json:"device"`
}

// Parse parses and validates a configuration document.
func Parse(bs []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(bs, &cfg); err != nil {
		return nil, errors.Wrap(err, "could not parse config")
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %q", path)
	}
	cfg, err := Parse(bs)
	if err != nil {
		return nil, errors.Wrapf(err, "config %q", path)
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Database == "" {
		c.Database = defaultDatabase
	}
	if c.TeardownBatchSize == 0 {
		c.TeardownBatchSize = defaultTeardownBatchSize
	}
	if c.StaleTimeout.Duration == 0 {
		c.StaleTimeout.Duration = defaultStaleTimeout
	}
	if c.SnapshotTimeout.Duration == 0 {
		c.SnapshotTimeout.Duration = defaultSnapshotTimeout
	}
}

func (c *Config) validate() error {
	if net.ParseIP(c.TSNAddress) == nil {
		return errors.Errorf("invalid tsnAddress %q", c.TSNAddress)
	}
	if _, _, err := net.SplitHostPort(c.DeviceAddress); err != nil {
		return errors.Wrapf(err, "invalid deviceAddress %q", c.DeviceAddress)
	}
	if c.TeardownBatchSize < 0 {
		return errors.Errorf("invalid teardownBatchSize %d", c.TeardownBatchSize)
	}
	if c.StaleTimeout.Duration < 0 {
		return errors.Errorf("invalid staleTimeout %s", c.StaleTimeout.Duration)
	}

	seen := sets.New[string]()
	for i, vn := range c.VirtualNetworks {
		if vn.UUID == "" {
			return errors.Errorf("virtual network #%d has no uuid", i+1)
		}
		if seen.Has(vn.UUID) {
			return errors.Errorf("duplicate definition of virtual network %q", vn.UUID)
		}
		seen.Insert(vn.UUID)
		if vn.VxlanID < 0 || vn.VxlanID > maxVxlanID {
			return errors.Errorf("virtual network %q: vxlanID %d out of range", vn.UUID, vn.VxlanID)
		}
		if vn.Device == "" {
			return errors.Errorf("virtual network %q has no device", vn.UUID)
		}
	}
	return nil
}
