// SPDX-License-Identifier: MIT
package udp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"freqviz/internal/display"
	applog "freqviz/internal/log"
	"freqviz/internal/transport"
)

// headerSize is the packed size of the fixed packet fields.
const headerSize = 4 + 8 + 1 + 4 + 2 + 1

var ErrShortPacket = errors.New("udp: short packet")

// UDPPublisher keeps the latest display vector handed to Send and transmits
// it on a fixed interval. Frames that arrive faster than the interval
// overwrite each other; an unchanged frame is not sent twice.
type UDPPublisher struct {
	sender   *UDPSender    // The underlying UDP sender instance.
	interval time.Duration // The interval at which packets are sent.

	ticker   *time.Ticker   // Ticker that triggers packet sending.
	doneChan chan struct{}  // Channel used to signal the publisher goroutine to stop.
	stopOnce sync.Once      // Ensures the stop logic runs only once per Start/Stop cycle.
	wg       sync.WaitGroup // Waits for the publisher goroutine to finish during Stop.
	mu       sync.Mutex     // Protects ticker, doneChan and the latest frame.

	latest display.Vector
	fresh  bool

	sequenceNum uint32 // Monotonically increasing sequence number for packets.

	// Reused by buildAndSendPacket.
	levels       []uint32
	peaks        []uint32
	packetBuffer *bytes.Buffer
}

// NewUDPPublisher creates and initializes a new UDPPublisher.
// If the provided interval is invalid (<= 0), it defaults to 33ms (~30Hz).
func NewUDPPublisher(interval time.Duration, sender *UDPSender) (*UDPPublisher, error) {
	if sender == nil {
		return nil, fmt.Errorf("UDPPublisher: UDP sender cannot be nil")
	}

	if interval <= 0 {
		interval = 33 * time.Millisecond
		applog.Warnf("udp: invalid publish interval, defaulting to %s", interval)
	}

	applog.Infof("udp: publishing every %s", interval)

	return &UDPPublisher{
		sender:       sender,
		interval:     interval,
		packetBuffer: new(bytes.Buffer),
	}, nil
}

// Send stores v as the next frame to publish. It never blocks on the network.
func (p *UDPPublisher) Send(v display.Vector) error {
	p.mu.Lock()
	p.latest = v
	p.fresh = true
	p.mu.Unlock()
	return nil
}

// Start begins the periodic publishing process.
// It is safe to call Start multiple times; subsequent calls are no-ops if already started.
func (p *UDPPublisher) Start() {
	p.mu.Lock()
	if p.ticker != nil {
		p.mu.Unlock()
		applog.Warnf("udp: Start called but already running.")
		return
	}

	p.ticker = time.NewTicker(p.interval)
	p.doneChan = make(chan struct{})
	p.stopOnce = sync.Once{} // Reset stopOnce for this run

	// Capture local variables for the goroutine to avoid data races on p.ticker/p.doneChan
	ticker := p.ticker
	doneChan := p.doneChan

	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-ticker.C:
				p.buildAndSendPacket()
			case <-doneChan:
				return
			}
		}
	}()
}

// Stop gracefully signals the publisher goroutine to terminate and waits for it to exit.
// It is safe to call Stop multiple times; subsequent calls are no-ops.
func (p *UDPPublisher) Stop() error {
	p.mu.Lock()
	if p.ticker == nil {
		p.mu.Unlock()
		return nil
	}

	p.stopOnce.Do(func() {
		close(p.doneChan)
		p.ticker.Stop()
		p.ticker = nil
	})

	p.mu.Unlock()

	p.wg.Wait()
	applog.Debugf("udp: publisher stopped after %d packets", p.sequenceNum)
	return nil
}

/*
UDP Packet Structure (BigEndian)

+-----------------------------------------------------------------------------+
| Field             | Data Type      | Size (Bytes) | Description             |
|-------------------|----------------|--------------|-------------------------|
| Sequence Number   | uint32         | 4            | Monotonically increasing|
| Timestamp         | int64          | 8            | Nanoseconds since epoch |
| Mode              | uint8          | 1            | 0 bars, 1 rain, 2 leds  |
| Full Scale        | uint32         | 4            | Height or LED steps     |
| Band Count        | uint16         | 2            | Number of bands (N)     |
| Has Peaks         | uint8          | 1            | 1 if peaks follow       |
| Levels            | []uint32       | N * 4        | Height or LED bitmask   |
| Peaks             | []uint32       | N * 4        | Present if Has Peaks    |
+-----------------------------------------------------------------------------+
*/

// Packet is a decoded UDP frame.
type Packet struct {
	Seq       uint32
	Timestamp int64
	Vector    display.Vector
}

// buildAndSendPacket sends the latest frame if it has not been sent yet.
func (p *UDPPublisher) buildAndSendPacket() {
	p.mu.Lock()
	if !p.fresh {
		p.mu.Unlock()
		return
	}
	v := p.latest
	p.levels = append(p.levels[:0], v.Levels...)
	p.peaks = append(p.peaks[:0], v.Peaks...)
	p.fresh = false
	p.mu.Unlock()

	v.Levels, v.Peaks = p.levels, p.peaks
	p.sequenceNum++

	p.packetBuffer.Reset()
	if err := pack(p.packetBuffer, p.sequenceNum, time.Now().UnixNano(), v); err != nil {
		applog.Errorf("udp: error packing frame: %v", err)
		return
	}

	if err := p.sender.Send(p.packetBuffer.Bytes()); err == nil {
		applog.Debugf("udp: sent packet %d (%d bytes)", p.sequenceNum, p.packetBuffer.Len())
	}
}

func pack(buf *bytes.Buffer, seq uint32, ts int64, v display.Vector) error {
	if len(v.Levels) > math.MaxUint16 {
		return fmt.Errorf("udp: %d bands do not fit a packet", len(v.Levels))
	}
	hasPeaks := uint8(0)
	if len(v.Peaks) == len(v.Levels) && len(v.Peaks) > 0 {
		hasPeaks = 1
	}

	// Chain error checks for cleaner code.
	err := binary.Write(buf, binary.BigEndian, seq)
	if err == nil {
		err = binary.Write(buf, binary.BigEndian, ts)
	}
	if err == nil {
		err = binary.Write(buf, binary.BigEndian, uint8(v.Mode))
	}
	if err == nil {
		err = binary.Write(buf, binary.BigEndian, v.Full)
	}
	if err == nil {
		err = binary.Write(buf, binary.BigEndian, uint16(len(v.Levels)))
	}
	if err == nil {
		err = binary.Write(buf, binary.BigEndian, hasPeaks)
	}
	if err == nil {
		err = binary.Write(buf, binary.BigEndian, v.Levels)
	}
	if err == nil && hasPeaks == 1 {
		err = binary.Write(buf, binary.BigEndian, v.Peaks)
	}
	return err
}

// Unpack decodes a packet produced by the publisher.
func Unpack(b []byte) (Packet, error) {
	if len(b) < headerSize {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(b))
	}
	var pkt Packet
	pkt.Seq = binary.BigEndian.Uint32(b[0:])
	pkt.Timestamp = int64(binary.BigEndian.Uint64(b[4:]))
	pkt.Vector.Mode = display.Mode(b[12])
	pkt.Vector.Full = binary.BigEndian.Uint32(b[13:])
	n := int(binary.BigEndian.Uint16(b[17:]))
	hasPeaks := b[19] == 1

	want := headerSize + n*4
	if hasPeaks {
		want += n * 4
	}
	if len(b) < want {
		return Packet{}, fmt.Errorf("%w: %d bytes for %d bands", ErrShortPacket, len(b), n)
	}

	off := headerSize
	pkt.Vector.Levels = make([]uint32, n)
	for i := range n {
		pkt.Vector.Levels[i] = binary.BigEndian.Uint32(b[off:])
		off += 4
	}
	if hasPeaks {
		pkt.Vector.Peaks = make([]uint32, n)
		for i := range n {
			pkt.Vector.Peaks[i] = binary.BigEndian.Uint32(b[off:])
			off += 4
		}
	}
	return pkt, nil
}

// Close implements the io.Closer interface. It gracefully stops the publisher goroutine.
func (p *UDPPublisher) Close() error {
	return errors.Join(p.Stop(), p.sender.Close())
}

// Ensure UDPPublisher is a display sink.
var _ transport.Transport = (*UDPPublisher)(nil)
