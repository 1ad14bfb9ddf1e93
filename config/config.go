// Package config loads the tunnel configuration file.
//
// The format follows wg-quick:
//
//	[Interface]
//	PrivateKey = <base64>
//	ListenPort = 51820
//	TunName    = wg0
//	TunAddress = 192.168.241.1/24
//	MTU        = 1420
//
//	[Peer]
//	PublicKey    = <base64>
//	PresharedKey = <base64>
//	Endpoint     = 203.0.113.7:51820
//	AllowedIPs   = 192.168.241.2/32, 10.0.0.0/8
package config

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/drio/wgnoise/noise"
)

// DefaultMTU is used when the Interface section does not set MTU.
const DefaultMTU = 1420

// Config holds WireGuard configuration
type Config struct {
	Interface Interface
	Peers     []Peer
}

// Interface is the [Interface] section.
type Interface struct {
	PrivateKey noise.PrivateKey
	PublicKey  noise.PublicKey
	ListenPort int
	TunName    string
	TunAddress string
	MTU        int
}

// Peer is one [Peer] section.
type Peer struct {
	PublicKey    noise.PublicKey
	PresharedKey noise.Key
	Endpoint     *net.UDPAddr
	AllowedIPs   []net.IPNet
}

// DecodeKey decodes a base64 32-byte key.
func DecodeKey(value string) ([32]byte, error) {
	var key [32]byte
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return key, fmt.Errorf("decode key: %w", err)
	}
	if len(b) != len(key) {
		return key, fmt.Errorf("key must be %d bytes, got %d", len(key), len(b))
	}
	copy(key[:], b)
	return key, nil
}

// LoadConfig reads and parses a WireGuard configuration file
func LoadConfig(configFile string) (*Config, error) {
	// Validate and clean the config file path to prevent directory traversal
	cleanPath := filepath.Clean(configFile)
	if strings.Contains(cleanPath, "..") {
		return nil, fmt.Errorf("invalid config file path: directory traversal not allowed")
	}

	file, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	return Parse(file)
}

// Parse reads a configuration from r.
func Parse(r io.Reader) (*Config, error) {
	config := &Config{}
	config.Interface.MTU = DefaultMTU

	var (
		section string
		peer    *Peer
		lineNo  int
	)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(strings.TrimSpace(line[1 : len(line)-1]))
			switch section {
			case "interface":
			case "peer":
				config.Peers = append(config.Peers, Peer{})
				peer = &config.Peers[len(config.Peers)-1]
			default:
				return nil, fmt.Errorf("line %d: unknown section %q", lineNo, section)
			}
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: expected key = value", lineNo)
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		var err error
		switch section {
		case "interface":
			err = config.Interface.set(key, value)
		case "peer":
			err = peer.set(key, value)
		default:
			err = fmt.Errorf("%s outside of a section", key)
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	config.Interface.PublicKey = config.Interface.PrivateKey.PublicKey()
	return config, nil
}

func (i *Interface) set(key, value string) error {
	switch key {
	case "PrivateKey":
		k, err := DecodeKey(value)
		if err != nil {
			return fmt.Errorf("private key: %w", err)
		}
		i.PrivateKey = k

	case "ListenPort":
		port, err := strconv.Atoi(value)
		if err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("invalid listen port: %v", value)
		}
		i.ListenPort = port

	case "TunName":
		i.TunName = value

	case "TunAddress":
		if _, _, err := net.ParseCIDR(value); err != nil {
			return fmt.Errorf("invalid tun address: %w", err)
		}
		i.TunAddress = value

	case "MTU":
		mtu, err := strconv.Atoi(value)
		if err != nil || mtu < 576 || mtu > 65535 {
			return fmt.Errorf("invalid MTU: %v", value)
		}
		i.MTU = mtu

	default:
		return fmt.Errorf("unknown interface key %q", key)
	}
	return nil
}

func (p *Peer) set(key, value string) error {
	switch key {
	case "PublicKey":
		k, err := DecodeKey(value)
		if err != nil {
			return fmt.Errorf("public key: %w", err)
		}
		p.PublicKey = k

	case "PresharedKey":
		k, err := DecodeKey(value)
		if err != nil {
			return fmt.Errorf("preshared key: %w", err)
		}
		p.PresharedKey = k

	case "Endpoint":
		addr, err := net.ResolveUDPAddr("udp", value)
		if err != nil {
			return fmt.Errorf("failed to resolve peer endpoint: %w", err)
		}
		p.Endpoint = addr

	case "AllowedIPs":
		for _, s := range strings.Split(value, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			_, ipnet, err := net.ParseCIDR(s)
			if err != nil {
				return fmt.Errorf("invalid allowed ip %q: %w", s, err)
			}
			p.AllowedIPs = append(p.AllowedIPs, *ipnet)
		}

	default:
		return fmt.Errorf("unknown peer key %q", key)
	}
	return nil
}

// validate reports every missing required value at once.
func (c *Config) validate() error {
	var missing []string

	if c.Interface.PrivateKey.IsZero() {
		missing = append(missing, "PrivateKey")
	}
	if c.Interface.ListenPort == 0 {
		missing = append(missing, "ListenPort")
	}
	if c.Interface.TunName == "" {
		missing = append(missing, "TunName")
	}
	if c.Interface.TunAddress == "" {
		missing = append(missing, "TunAddress")
	}
	if len(c.Peers) == 0 {
		missing = append(missing, "[Peer]")
	}
	for i := range c.Peers {
		if c.Peers[i].PublicKey.IsZero() {
			missing = append(missing, fmt.Sprintf("Peer[%d].PublicKey", i))
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration values: %v", missing)
	}
	return nil
}
