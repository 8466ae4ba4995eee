// SPDX-License-Identifier: MIT
package udp

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	applog "freqviz/internal/log"
)

// MaxPacketSize bounds one datagram. The largest frame, 300 bands with peaks,
// packs to 2420 bytes.
const MaxPacketSize = 8192

var (
	ErrSenderClosed   = errors.New("UDP sender is closed")
	ErrPacketTooLarge = errors.New("UDP packet exceeds MaxPacketSize")
	ErrNoTargets      = errors.New("no UDP target address")
)

// UDPSender writes every packet to one or more UDP listeners.
type UDPSender struct {
	mu      sync.Mutex // Protects conns during Close.
	conns   []*net.UDPConn
	targets []*net.UDPAddr
	closed  bool

	sent   atomic.Uint64
	failed atomic.Uint64
}

// NewUDPSender dials every address in targets, a comma separated list of
// "host:port" entries such as "127.0.0.1:9090,192.168.1.20:9090".
func NewUDPSender(targets string) (*UDPSender, error) {
	s := &UDPSender{}
	for _, target := range strings.Split(targets, ",") {
		target = strings.TrimSpace(target)
		if target == "" {
			continue
		}
		addr, err := net.ResolveUDPAddr("udp", target)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to resolve UDP target address '%s': %w", target, err)
		}
		// No local bind is needed for sending.
		conn, err := net.DialUDP("udp", nil, addr)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to dial UDP for target '%s': %w", target, err)
		}
		s.conns = append(s.conns, conn)
		s.targets = append(s.targets, addr)
		applog.Infof("udp: sending frames to %s", conn.RemoteAddr())
	}
	if len(s.conns) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoTargets, targets)
	}
	return s, nil
}

// Send transmits data as one packet to every target. A failing target does
// not stop delivery to the others; their errors are joined.
func (s *UDPSender) Send(data []byte) error {
	if len(data) > MaxPacketSize {
		return fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, len(data))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSenderClosed
	}

	var errs []error
	for _, conn := range s.conns {
		if _, err := conn.Write(data); err != nil {
			s.failed.Add(1)
			applog.Debugf("udp: error sending packet to %s: %v", conn.RemoteAddr(), err)
			errs = append(errs, fmt.Errorf("failed to send UDP packet to %s: %w", conn.RemoteAddr(), err))
			continue
		}
		s.sent.Add(1)
	}
	return errors.Join(errs...)
}

// Targets returns the resolved destination addresses.
func (s *UDPSender) Targets() []*net.UDPAddr { return s.targets }

// Counts returns the number of packets written and failed across all targets.
func (s *UDPSender) Counts() (sent, failed uint64) {
	return s.sent.Load(), s.failed.Load()
}

// Close closes every connection. It is safe to call more than once.
func (s *UDPSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for _, conn := range s.conns {
		applog.Debugf("udp: closing connection to %s", conn.RemoteAddr())
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close UDP connection: %w", err))
		}
	}
	s.conns = nil
	return errors.Join(errs...)
}

var _ interface{ Close() error } = (*UDPSender)(nil)
