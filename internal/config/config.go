package config

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPath        = "/etc/goslingd.yml"
	defaultLeaseTime   = 24 * time.Hour
	defaultNATSSubject = "gosling.leases"
	defaultTFTPAddress = ":69"
	defaultTFTPTimeout = 5
)

// Load reads and validates the YAML configuration at path. Any error here is
// fatal to the caller; no network resource is acquired before Load succeeds.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	return resolve(fc)
}

func resolve(fc fileConfig) (Config, error) {
	cfg := Config{
		Interface:   fc.Interface,
		StaticFile:  fc.StaticFile,
		LeaseFile:   fc.LeaseFile,
		AdminListen: fc.AdminListen,
		NATSURL:     fc.NATSURL,
		NATSSubject: fc.NATSSubject,
		BootFile:    fc.BootFile,
	}

	if cfg.Interface == "" {
		return Config{}, fmt.Errorf("interface is required")
	}
	if cfg.LeaseFile == "" {
		return Config{}, fmt.Errorf("lease_file is required")
	}

	var err error
	if cfg.ListenAddr, err = parseIPv4("listen_addr", fc.ListenAddr, true); err != nil {
		return Config{}, err
	}
	if cfg.RangeStart, err = parseIPv4("range_start", fc.RangeStart, true); err != nil {
		return Config{}, err
	}
	if cfg.RangeEnd, err = parseIPv4("range_end", fc.RangeEnd, true); err != nil {
		return Config{}, err
	}
	if ipCompare(cfg.RangeStart, cfg.RangeEnd) >= 0 {
		return Config{}, fmt.Errorf("range_start %s must be below range_end %s", cfg.RangeStart, cfg.RangeEnd)
	}
	if cfg.Broadcast, err = parseIPv4("broadcast", fc.Broadcast, true); err != nil {
		return Config{}, err
	}
	if cfg.Gateway, err = parseIPv4("gateway", fc.Gateway, false); err != nil {
		return Config{}, err
	}
	if cfg.Gateway == nil {
		cfg.Gateway = cfg.ListenAddr
	}
	if cfg.NextServer, err = parseIPv4("next_server", fc.NextServer, false); err != nil {
		return Config{}, err
	}

	if fc.Netmask != "" {
		mask, err := parseIPv4("netmask", fc.Netmask, true)
		if err != nil {
			return Config{}, err
		}
		cfg.Netmask = net.IPMask(mask)
	} else {
		cfg.Netmask = cfg.RangeStart.DefaultMask()
	}

	cfg.DNSServers = make([]net.IP, 0, len(fc.DNSServers))
	for _, s := range fc.DNSServers {
		ip, err := parseIPv4("dns_servers", strings.TrimSpace(s), true)
		if err != nil {
			return Config{}, err
		}
		cfg.DNSServers = append(cfg.DNSServers, ip)
	}

	if fc.LeaseTime != "" {
		d, err := time.ParseDuration(fc.LeaseTime)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("invalid lease_time %q", fc.LeaseTime)
		}
		cfg.LeaseTime = d
	} else {
		cfg.LeaseTime = defaultLeaseTime
	}

	cfg.Authoritative = true
	if fc.Authoritative != nil {
		cfg.Authoritative = *fc.Authoritative
	}

	if cfg.NATSURL != "" && cfg.NATSSubject == "" {
		cfg.NATSSubject = defaultNATSSubject
	}

	cfg.TFTP = TFTPConfig{
		Enabled:    fc.TFTP.Enabled,
		Address:    fc.TFTP.Address,
		RootDir:    fc.TFTP.RootDir,
		TimeoutSec: fc.TFTP.TimeoutSec,
	}
	if cfg.TFTP.Enabled {
		if cfg.TFTP.RootDir == "" {
			return Config{}, fmt.Errorf("tftp.root is required when tftp is enabled")
		}
		if cfg.TFTP.Address == "" {
			cfg.TFTP.Address = defaultTFTPAddress
		}
		if cfg.TFTP.TimeoutSec <= 0 {
			cfg.TFTP.TimeoutSec = defaultTFTPTimeout
		}
	}

	return cfg, nil
}

func parseIPv4(field, value string, required bool) (net.IP, error) {
	if value == "" {
		if required {
			return nil, fmt.Errorf("%s is required", field)
		}
		return nil, nil
	}
	ip := net.ParseIP(value)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("invalid %s: %q is not an IPv4 address", field, value)
	}
	return ip.To4(), nil
}

func ipCompare(a, b net.IP) int {
	aa := a.To4()
	bb := b.To4()
	for i := range aa {
		if aa[i] < bb[i] {
			return -1
		}
		if aa[i] > bb[i] {
			return 1
		}
	}
	return 0
}
