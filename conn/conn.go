// Package conn holds the UDP side of the tunnel.
package conn

import (
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
)

// UDPConn interface for UDP connections - allows mocking for tests
type UDPConn interface {
	ReadFromUDP([]byte) (int, *net.UDPAddr, error)
	WriteToUDP([]byte, *net.UDPAddr) (int, error)
	Close() error
}

var log = logrus.WithField("component", "conn")

// SetupUDP creates and binds a UDP socket on the specified port
func SetupUDP(listenPort int) (UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf(":%d", listenPort))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind UDP socket: %w", err)
	}

	log.WithField("port", listenPort).Info("UDP socket listening")
	return conn, nil
}
