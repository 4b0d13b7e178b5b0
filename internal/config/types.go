package config

import (
	"net"
	"time"
)

// Config is the fully validated daemon configuration, loaded once at startup.
type Config struct {
	Interface  string
	ListenAddr net.IP
	RangeStart net.IP
	RangeEnd   net.IP // exclusive
	Netmask    net.IPMask
	Broadcast  net.IP
	Gateway    net.IP
	DNSServers []net.IP
	LeaseTime  time.Duration
	StaticFile string
	LeaseFile  string

	// Authoritative answers Requests regardless of the server-identifier
	// option. When false, Requests addressed to another server are dropped.
	Authoritative bool

	AdminListen string
	NATSURL     string
	NATSSubject string

	BootFile   string
	NextServer net.IP
	TFTP       TFTPConfig
}

type TFTPConfig struct {
	Enabled    bool
	Address    string
	RootDir    string
	TimeoutSec int
}

// fileConfig mirrors the YAML document before address parsing and validation.
type fileConfig struct {
	Interface  string   `yaml:"interface"`
	ListenAddr string   `yaml:"listen_addr"`
	RangeStart string   `yaml:"range_start"`
	RangeEnd   string   `yaml:"range_end"`
	Netmask    string   `yaml:"netmask"`
	Broadcast  string   `yaml:"broadcast"`
	Gateway    string   `yaml:"gateway"`
	DNSServers []string `yaml:"dns_servers"`
	LeaseTime  string   `yaml:"lease_time"`
	StaticFile string   `yaml:"static_file"`
	LeaseFile  string   `yaml:"lease_file"`

	Authoritative *bool `yaml:"authoritative"`

	AdminListen string `yaml:"admin_listen"`
	NATSURL     string `yaml:"nats_url"`
	NATSSubject string `yaml:"nats_subject"`

	BootFile   string         `yaml:"boot_file"`
	NextServer string         `yaml:"next_server"`
	TFTP       fileTFTPConfig `yaml:"tftp"`
}

type fileTFTPConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Address    string `yaml:"address"`
	RootDir    string `yaml:"root"`
	TimeoutSec int    `yaml:"timeout_seconds"`
}
