// SPDX-License-Identifier: MIT
//
// Package transport delivers display vectors to sinks outside the pipeline.
// Delivery is fire-and-forget: a sink that cannot keep up drops frames and a
// failed Send is never retried.
package transport

import (
	"errors"

	"freqviz/internal/display"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("transport: closed")

// Transport defines a display sink.
// Implementations must not block the caller and should be thread-safe.
type Transport interface {
	Send(v display.Vector) error
	Close() error
}

// Multi fans every frame out to all of its transports.
type Multi []Transport

// Send delivers v to every transport and joins their errors.
func (m Multi) Send(v display.Vector) error {
	var errs []error
	for _, t := range m {
		if err := t.Send(v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every transport and joins their errors.
func (m Multi) Close() error {
	var errs []error
	for _, t := range m {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Transport = Multi(nil)
