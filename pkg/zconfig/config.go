// Copyright 2024 The zpagealloc Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package zconfig loads the recognized options of spec §6.4 from flags and
// environment variables (no config file is read), wired the way
// penguintechinc-marchproxy's proxy command binds spf13/viper to
// spf13/pflag: flags are registered once, bound into a viper instance that
// also watches ZPAGEALLOC_-prefixed environment variables, and unmarshaled
// into a typed Config.
package zconfig

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every recognized option from spec §6.4.
type Config struct {
	MinCapacity           uint64 `mapstructure:"min_capacity"`
	InitialCapacity       uint64 `mapstructure:"initial_capacity"`
	SoftMaxCapacity       uint64 `mapstructure:"soft_max_capacity"`
	MaxCapacity           uint64 `mapstructure:"max_capacity"`
	UncommitEnabled       bool   `mapstructure:"uncommit_enabled"`
	UncommitDelaySeconds  uint64 `mapstructure:"uncommit_delay_seconds"`
	VirtualToPhysicalRatio uint64 `mapstructure:"virtual_to_physical_ratio"`
	MaxVirtualReservations uint64 `mapstructure:"max_virtual_reservations"`
	AlwaysPretouch        bool   `mapstructure:"always_pretouch"`
	NUMAEnabled           bool   `mapstructure:"numa_enabled"`
	NUMANodeCount         int    `mapstructure:"numa_node_count"`
	GranuleSizeShift      uint   `mapstructure:"granule_size_shift"`
	MediumPageSize        uint64 `mapstructure:"medium_page_size"`
}

// GranuleSizeShiftBytes returns the configured granule size in bytes
// (1 << GranuleSizeShift), the unit AllocPage callers request whole
// multiples of.
func (c Config) GranuleSizeShiftBytes() uint64 { return uint64(1) << c.GranuleSizeShift }

// Defaults mirrors conservative ZGC defaults: a 2 MiB granule, no medium
// page class, NUMA disabled single-node, and uncommit enabled with a 5
// minute delay.
func Defaults() Config {
	return Config{
		MinCapacity:            0,
		InitialCapacity:        256 << 20,
		SoftMaxCapacity:        4 << 30,
		MaxCapacity:            4 << 30,
		UncommitEnabled:        true,
		UncommitDelaySeconds:   300,
		VirtualToPhysicalRatio: 8,
		MaxVirtualReservations: 0x10000,
		AlwaysPretouch:         false,
		NUMAEnabled:            false,
		NUMANodeCount:          1,
		GranuleSizeShift:       21,
		MediumPageSize:         0,
	}
}

// BindFlags registers every recognized option as a pflag flag on fs, with
// Defaults() as the flag defaults, the way marchproxy's proxy command
// registers its runtime options.
func BindFlags(fs *pflag.FlagSet) {
	d := Defaults()
	fs.Uint64("min-capacity", d.MinCapacity, "minimum heap capacity in bytes")
	fs.Uint64("initial-capacity", d.InitialCapacity, "initial heap capacity in bytes")
	fs.Uint64("soft-max-capacity", d.SoftMaxCapacity, "soft maximum heap capacity in bytes")
	fs.Uint64("max-capacity", d.MaxCapacity, "maximum heap capacity in bytes")
	fs.Bool("uncommit-enabled", d.UncommitEnabled, "enable the background uncommitter")
	fs.Uint64("uncommit-delay-seconds", d.UncommitDelaySeconds, "minimum idle period before memory is eligible for uncommit")
	fs.Uint64("virtual-to-physical-ratio", d.VirtualToPhysicalRatio, "virtual reservation size as a multiple of max capacity")
	fs.Uint64("max-virtual-reservations", d.MaxVirtualReservations, "divide-and-conquer bound for discontiguous reservation")
	fs.Bool("always-pretouch", d.AlwaysPretouch, "touch every committed granule at commit time")
	fs.Bool("numa-enabled", d.NUMAEnabled, "enable NUMA-aware allocation")
	fs.Int("numa-node-count", d.NUMANodeCount, "number of NUMA nodes to model")
	fs.Uint("granule-size-shift", d.GranuleSizeShift, "log2 of the granule size")
	fs.Uint64("medium-page-size", d.MediumPageSize, "optional medium page size; 0 disables the medium size class")
}

// Load builds a viper instance bound to fs, reads ZPAGEALLOC_-prefixed
// environment variables, and copies the result into a Config. No config
// file is read.
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("zpagealloc")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return Config{}, fmt.Errorf("zconfig: bind flags: %w", err)
	}

	cfg := Defaults()
	keys := map[string]any{
		"min-capacity":              &cfg.MinCapacity,
		"initial-capacity":          &cfg.InitialCapacity,
		"soft-max-capacity":         &cfg.SoftMaxCapacity,
		"max-capacity":              &cfg.MaxCapacity,
		"uncommit-enabled":          &cfg.UncommitEnabled,
		"uncommit-delay-seconds":    &cfg.UncommitDelaySeconds,
		"virtual-to-physical-ratio": &cfg.VirtualToPhysicalRatio,
		"max-virtual-reservations":  &cfg.MaxVirtualReservations,
		"always-pretouch":           &cfg.AlwaysPretouch,
		"numa-enabled":              &cfg.NUMAEnabled,
		"numa-node-count":           &cfg.NUMANodeCount,
		"granule-size-shift":        &cfg.GranuleSizeShift,
		"medium-page-size":          &cfg.MediumPageSize,
	}
	for key, dst := range keys {
		if err := assign(v, key, dst); err != nil {
			return Config{}, fmt.Errorf("zconfig: %s: %w", key, err)
		}
	}
	return cfg, cfg.Validate()
}

func assign(v *viper.Viper, key string, dst any) error {
	switch p := dst.(type) {
	case *uint64:
		*p = v.GetUint64(key)
	case *bool:
		*p = v.GetBool(key)
	case *int:
		*p = v.GetInt(key)
	case *uint:
		*p = uint(v.GetUint64(key))
	default:
		return fmt.Errorf("unsupported destination type %T", dst)
	}
	return nil
}

// Validate checks the cross-field constraints spec §6.4 implies: capacities
// must be granule-aligned and ordered min <= initial <= soft-max <= max.
func (c Config) Validate() error {
	granule := uint64(1) << c.GranuleSizeShift
	for name, v := range map[string]uint64{
		"min_capacity":     c.MinCapacity,
		"initial_capacity": c.InitialCapacity,
		"soft_max_capacity": c.SoftMaxCapacity,
		"max_capacity":     c.MaxCapacity,
	} {
		if v%granule != 0 {
			return fmt.Errorf("zconfig: %s=%d is not a multiple of the granule size %d", name, v, granule)
		}
	}
	if !(c.MinCapacity <= c.InitialCapacity && c.InitialCapacity <= c.SoftMaxCapacity && c.SoftMaxCapacity <= c.MaxCapacity) {
		return fmt.Errorf("zconfig: capacities must satisfy min <= initial <= soft_max <= max")
	}
	if c.NUMAEnabled && c.NUMANodeCount < 1 {
		return fmt.Errorf("zconfig: numa_node_count must be >= 1 when numa_enabled")
	}
	return nil
}
