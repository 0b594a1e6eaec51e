// SPDX-FileCopyrightText: 2025 The ecounter Authors
// SPDX-License-Identifier: Apache-2.0

package nodepower

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/stmcginnis/gofish"

	"github.com/hewlettpackard/ecounter/internal/device"
)

// Power re-exports the device power type for probe consumers.
type Power = device.Power

// Watt re-exports the device watt constant for probe consumers.
const Watt = device.Watt

// BMCConfig describes the Redfish endpoint of the node's BMC.
type BMCConfig struct {
	Endpoint string
	Username string
	Password string
	Insecure bool
}

// RedfishProbe reads the node power from the BMC through the Redfish
// Power API.
type RedfishProbe struct {
	logger *slog.Logger
	cfg    gofish.ClientConfig
	client *gofish.APIClient
}

// NewRedfishProbe creates a probe for the given BMC. Connect happens
// in Init.
func NewRedfishProbe(bmc BMCConfig, logger *slog.Logger) *RedfishProbe {
	httpClient := &http.Client{Timeout: 10 * time.Second}
	if bmc.Insecure {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	return &RedfishProbe{
		logger: logger.With("probe", "redfish"),
		cfg: gofish.ClientConfig{
			Endpoint:   bmc.Endpoint,
			Username:   bmc.Username,
			Password:   bmc.Password,
			HTTPClient: httpClient,
		},
	}
}

func (p *RedfishProbe) Name() string {
	return "redfish-probe"
}

// Init connects to the BMC and verifies a chassis with power readings
// exists.
func (p *RedfishProbe) Init() error {
	// NOTE: gofish stores the connect context and reuses it for all
	// subsequent requests, so no timeout context here.
	client, err := gofish.Connect(p.cfg)
	if err != nil {
		return fmt.Errorf("connecting to BMC at %s: %w", p.cfg.Endpoint, err)
	}
	p.client = client

	if _, err := p.Read(); err != nil {
		p.client.Logout()
		p.client = nil
		return fmt.Errorf("BMC at %s reports no usable power reading: %w", p.cfg.Endpoint, err)
	}

	p.logger.Info("connected to BMC", "endpoint", p.cfg.Endpoint)
	return nil
}

// Read returns the power consumed by the first chassis reporting a
// positive PowerControl value.
func (p *RedfishProbe) Read() (Power, error) {
	if p.client == nil {
		return 0, fmt.Errorf("redfish probe is not connected")
	}

	chassis, err := p.client.Service.Chassis()
	if err != nil {
		return 0, fmt.Errorf("listing chassis: %w", err)
	}

	for _, ch := range chassis {
		power, err := ch.Power()
		if err != nil || power == nil {
			continue
		}
		for _, control := range power.PowerControl {
			if control.PowerConsumedWatts > 0 {
				return Power(control.PowerConsumedWatts) * Watt, nil
			}
		}
	}

	return 0, fmt.Errorf("no chassis reports a positive power reading")
}

func (p *RedfishProbe) Close() error {
	if p.client == nil {
		return nil
	}
	p.client.Logout()
	p.client = nil
	return nil
}
