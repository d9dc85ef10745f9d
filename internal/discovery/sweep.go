// Package discovery sweeps network ranges for devices the engine can
// attack, classifying each open port into a driveable protocol.
package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bytemomo/charybdis/internal/domain"

	nmap "github.com/Ullaakut/nmap/v3"
	log "github.com/sirupsen/logrus"
)

// Config shapes one discovery sweep.
type Config struct {
	Ports             []string      `yaml:"ports"`
	Interface         string        `yaml:"interface"`
	OpenOnly          bool          `yaml:"open_only"`
	SkipHostDiscovery bool          `yaml:"skip_host_discovery"`
	ServiceDetect     bool          `yaml:"service_detect"`
	MinRate           int           `yaml:"min_rate"`
	Timing            string        `yaml:"timing"`
	Timeout           time.Duration `yaml:"timeout"`
}

// DefaultConfig covers the broker and register-polling ports the engine
// drives, politely.
func DefaultConfig() Config {
	return Config{
		Ports:         []string{"502", "1883", "8883"},
		OpenOnly:      true,
		ServiceDetect: true,
		Timing:        "T3",
		Timeout:       5 * time.Minute,
	}
}

// Sweep runs nmap over CIDR ranges and classifies the results.
type Sweep struct {
	Config Config
}

// Execute scans the given ranges and returns one target per open port
// speaking a protocol the engine can drive. Discovered targets are
// physical: nothing on a live network is assumed to be expendable.
func (s Sweep) Execute(ctx context.Context, cidrs []string) ([]domain.Target, error) {
	ranges := sanitizeCIDRs(cidrs)
	if len(ranges) == 0 {
		return nil, fmt.Errorf("no valid CIDRs provided")
	}

	log.WithFields(log.Fields{
		"ranges": ranges,
		"ports":  s.Config.Ports,
	}).Info("starting discovery sweep")

	opts := []nmap.Option{
		nmap.WithTargets(ranges...),
		nmap.WithDisabledDNSResolution(),
	}
	if s.Config.Interface != "" {
		opts = append(opts, nmap.WithInterface(s.Config.Interface))
	}
	if len(s.Config.Ports) != 0 {
		opts = append(opts, nmap.WithPorts(strings.Join(s.Config.Ports, ",")))
	}
	if s.Config.OpenOnly {
		opts = append(opts, nmap.WithOpenOnly())
	}
	if s.Config.SkipHostDiscovery {
		opts = append(opts, nmap.WithSkipHostDiscovery())
	}
	if s.Config.ServiceDetect {
		opts = append(opts, nmap.WithServiceInfo(), nmap.WithVersionLight())
	}
	if s.Config.MinRate > 0 {
		opts = append(opts, nmap.WithMinRate(s.Config.MinRate))
	}

	switch s.Config.Timing {
	case "T0":
		opts = append(opts, nmap.WithTimingTemplate(nmap.TimingSlowest))
	case "T1":
		opts = append(opts, nmap.WithTimingTemplate(nmap.TimingSneaky))
	case "T2":
		opts = append(opts, nmap.WithTimingTemplate(nmap.TimingPolite))
	case "", "T3":
		opts = append(opts, nmap.WithTimingTemplate(nmap.TimingNormal))
	case "T4":
		opts = append(opts, nmap.WithTimingTemplate(nmap.TimingAggressive))
	case "T5":
		opts = append(opts, nmap.WithTimingTemplate(nmap.TimingFastest))
	default:
		return nil, fmt.Errorf("invalid timing template: %s", s.Config.Timing)
	}

	if s.Config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Config.Timeout)
		defer cancel()
	}

	scanner, err := nmap.NewScanner(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create nmap scanner: %w", err)
	}

	result, warnings, err := scanner.Run()
	if err != nil {
		return nil, fmt.Errorf("run nmap: %w", err)
	}
	if warnings != nil && len(*warnings) > 0 {
		log.WithField("warnings", *warnings).Warn("sweep produced warnings")
	}

	var out []domain.Target
	for _, h := range result.Hosts {
		host := pickHostAddress(h)
		if host == "" {
			continue
		}
		for _, p := range h.Ports {
			state := strings.ToLower(p.State.State)
			if !strings.HasPrefix(state, "open") {
				continue
			}

			proto, layers, ok := Infer(uint16(p.ID), p.Protocol, p.Service.Name, p.Service.Tunnel, p.Service.Product)
			if !ok {
				log.WithFields(log.Fields{
					"host": host,
					"port": p.ID,
					"svc":  p.Service.Name,
				}).Debug("open port speaks no driveable protocol")
				continue
			}

			t := domain.Target{
				ID:       fmt.Sprintf("%s:%d", host, p.ID),
				Name:     p.Service.Product,
				Protocol: proto,
				Mode:     domain.ModePhysical,
				Endpoint: domain.HostPort{Host: host, Port: uint16(p.ID)},
				Layers:   layers,
				Tags:     []domain.Tag{domain.Tag("discovered")},
			}
			log.WithFields(log.Fields{
				"target":   t.ID,
				"protocol": proto,
			}).Debug("classified target")
			out = append(out, t)
		}
	}

	log.WithField("count", len(out)).Info("discovery sweep complete")
	return out, nil
}

func sanitizeCIDRs(in []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, c := range in {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

func pickHostAddress(h nmap.Host) string {
	for _, a := range h.Addresses {
		if a.AddrType == "ipv4" {
			return a.Addr
		}
	}
	for _, a := range h.Addresses {
		if a.AddrType == "ipv6" {
			return a.Addr
		}
	}
	if len(h.Addresses) > 0 {
		return h.Addresses[0].Addr
	}
	return ""
}
