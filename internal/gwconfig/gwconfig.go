// Package gwconfig implements the gateway's YAML configuration file and
// the mutable IP-configuration store filled in by DHCP or a manual
// override, following the home.config load/write pattern: an in-memory
// struct, atomic rewrite via renameio, and a mutex-guarded mutable
// subset.
package gwconfig

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/renameio/v2/maybe"
	"gopkg.in/yaml.v3"
)

// BroadcastPort is one entry of the four-slot broadcast whitelist: a UDP
// destination port that is allowed through a broadcast Ethernet frame
// onto the wireless mesh, optionally restricted to the immediate hop
// ("local-only").
type BroadcastPort struct {
	Port  uint16 `yaml:"port"`
	Local bool   `yaml:"local"`
}

// Config is the gateway's on-disk configuration, one field per row of
// the configuration table.
type Config struct {
	EthInterface string `yaml:"eth_interface"`
	EthMAC       string `yaml:"eth_mac_address"`

	// GatewayShortAddr and GatewayDeviceID are the gateway's own identity
	// within the wireless mesh, reported in GATEWAY_TOKEN and used to
	// answer RESET_IP_CONFIG's "only acts if short_addr equals ours" test.
	// Not part of the original configuration table since the reference
	// firmware reads these from the wireless stack itself; carried here
	// as opaque passthrough until a real mesh collaborator assigns them.
	GatewayShortAddr uint16 `yaml:"gateway_short_addr"`
	GatewayDeviceID  uint64 `yaml:"gateway_device_id"`

	SNTPServer       string        `yaml:"sntp_server"`
	SNTPSyncInterval time.Duration `yaml:"sntp_sync_interval"`
	EnableSNTP       bool          `yaml:"enable_sntp"`

	EnableDHCP bool `yaml:"enable_dhcp"`

	BroadcastPorts [4]BroadcastPort `yaml:"broadcast_ports"`

	EnableTimeSource bool `yaml:"enable_time_source"`

	NetworkChannel uint8 `yaml:"network_channel"`

	UserName string `yaml:"user_name"`

	ManualIP struct {
		Enabled         bool   `yaml:"enabled"`
		IP              string `yaml:"ip"`
		SubnetMask      string `yaml:"subnet_mask"`
		DNSServer       string `yaml:"dns_server"`
		InternetGateway string `yaml:"internet_gateway"`
	} `yaml:"manual_ip"`

	TokenBeaconMaxInterval time.Duration `yaml:"token_beacon_max_interval"`
	TokenBeaconStep        time.Duration `yaml:"token_beacon_step"`

	DeviceDBPath string `yaml:"device_db_path"`
}

// Default returns a [Config] populated with the gateway's default values.
func Default() (c *Config) {
	c = &Config{
		SNTPSyncInterval:       15 * time.Second,
		TokenBeaconMaxInterval: 60 * time.Second,
		TokenBeaconStep:        time.Second,
		DeviceDBPath:           "meshgw-devices.db",
	}

	return c
}

// Load reads and parses a YAML configuration file at path.
func Load(path string) (c *Config, err error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("gwconfig: reading %q: %w", path, err)
	}

	c = Default()
	if err = yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("gwconfig: parsing %q: %w", path, err)
	}

	return c, nil
}

// Write atomically rewrites the configuration file at path.
func (c *Config) Write(path string) (err error) {
	buf, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("gwconfig: encoding: %w", err)
	}

	if err = maybe.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("gwconfig: writing %q: %w", path, err)
	}

	return nil
}

// IPConfig is the gateway's own IPv4 configuration, filled in either by
// DHCP or a manual override.
type IPConfig struct {
	IP              net.IP
	SubnetMask      net.IPMask
	DNSServer       net.IP
	InternetGateway net.IP
	Lease           time.Duration
}

// Configured reports whether the IP address and subnet mask have been set;
// the DNS server and internet gateway are not checked.
func (c IPConfig) Configured() bool {
	return c.IP != nil && c.SubnetMask != nil
}

// IPStore is the mutex-guarded mutable IP configuration, read by every
// task that needs to know the gateway's own address and written by a
// manual override at startup, by the DHCP lease task on every lease it
// obtains, and by [IPStore.Reset].
type IPStore struct {
	mu  sync.RWMutex
	cur IPConfig
}

// NewIPStore constructs an empty [IPStore].
func NewIPStore() (s *IPStore) { return &IPStore{} }

// Get returns the current configuration.
func (s *IPStore) Get() (c IPConfig) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.cur
}

// Set replaces the current configuration.
func (s *IPStore) Set(c IPConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cur = c
}

// Reset clears the stored configuration, used by RESET_IP_CONFIG.
func (s *IPStore) Reset() {
	s.Set(IPConfig{})
}
