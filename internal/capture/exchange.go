// SPDX-License-Identifier: MIT
package capture

import "sync/atomic"

const (
	slotMask  = 0x3
	freshFlag = 0x4
)

// Exchange is a single-producer single-consumer triple buffer. The producer
// fills Back and calls Publish; the consumer calls Take to get the newest
// published window. Neither side ever waits, and a window handed to the
// consumer is never written until the consumer takes again.
type Exchange struct {
	slots  [3][]uint16
	back   int           // owned by the producer
	front  int           // owned by the consumer
	middle atomic.Uint32 // slot index | freshFlag
}

// NewExchange allocates three windows of size samples.
func NewExchange(size int) *Exchange {
	e := &Exchange{back: 0, front: 2}
	for i := range e.slots {
		e.slots[i] = make([]uint16, size)
	}
	e.middle.Store(1)
	return e
}

// Back returns the producer's slot.
func (e *Exchange) Back() []uint16 { return e.slots[e.back] }

// Publish hands the back slot to the consumer, replacing any window that was
// published but not yet taken.
func (e *Exchange) Publish() {
	prev := e.middle.Swap(uint32(e.back) | freshFlag)
	e.back = int(prev & slotMask)
}

// PublishFrom copies src into the back slot and publishes it.
func (e *Exchange) PublishFrom(src []uint16) {
	copy(e.slots[e.back], src)
	e.Publish()
}

// Take returns the newest published window, or false when nothing new was
// published since the last Take.
func (e *Exchange) Take() ([]uint16, bool) {
	if e.middle.Load()&freshFlag == 0 {
		return nil, false
	}
	prev := e.middle.Swap(uint32(e.front))
	e.front = int(prev & slotMask)
	return e.slots[e.front], true
}
