package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/dsaq/backend/simdev"
	"github.com/ehrlich-b/dsaq/internal/devif"
)

// deviceProfile externalizes the simulated device's configuration the way
// a real driver would load it from a board-specific descriptor rather than
// hardcoding DSA's particular work-queue size and channel count.
type deviceProfile struct {
	Class             string  `yaml:"class"`
	WorkQueueCapacity int     `yaml:"workQueueCapacity"`
	ChannelsPerDevice int     `yaml:"channelsPerDevice"`
	PortalStride      int     `yaml:"portalStride"`
	PASIDDefault      bool    `yaml:"pasidDefault"`
	PageSize          int     `yaml:"pageSize"`
	FailureRate       float64 `yaml:"failureRate"`
}

func defaultProfile() deviceProfile {
	return deviceProfile{
		Class:             "dsa",
		WorkQueueCapacity: 64,
		ChannelsPerDevice: 4,
		PortalStride:      64,
	}
}

func loadProfile(path string) (deviceProfile, error) {
	if path == "" {
		return defaultProfile(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return deviceProfile{}, fmt.Errorf("reading profile: %w", err)
	}
	p := defaultProfile()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return deviceProfile{}, fmt.Errorf("parsing profile: %w", err)
	}
	return p, nil
}

func (p deviceProfile) build() (*simdev.Device, error) {
	class := devif.ClassDSA
	switch p.Class {
	case "dsa", "":
		class = devif.ClassDSA
	case "iaa":
		class = devif.ClassIAA
	default:
		return nil, fmt.Errorf("unknown device class %q (want dsa or iaa)", p.Class)
	}

	opts := []simdev.Option{
		simdev.WithClass(class),
		simdev.WithPASIDEnabled(p.PASIDDefault),
	}
	if p.WorkQueueCapacity > 0 {
		opts = append(opts, simdev.WithWorkQueueCapacity(p.WorkQueueCapacity))
	}
	if p.ChannelsPerDevice > 0 {
		opts = append(opts, simdev.WithChannelsPerDevice(p.ChannelsPerDevice))
	}
	if p.PageSize > 0 {
		opts = append(opts, simdev.WithPageSize(uint64(p.PageSize)))
	}
	if p.FailureRate > 0 {
		opts = append(opts, simdev.WithFailureRate(p.FailureRate))
	}
	return simdev.New(opts...), nil
}
