// SPDX-License-Identifier: MIT
package transport

import (
	"freqviz/internal/display"
	applog "freqviz/internal/log"
)

// LoggingTransport implements the Transport interface by logging every frame
// at debug level.
type LoggingTransport struct {
	frames uint64
}

// NewLoggingTransport creates a new LoggingTransport instance.
func NewLoggingTransport() *LoggingTransport {
	applog.Infof("transport: logging frames at debug level")
	return &LoggingTransport{}
}

// Send logs the frame. Logging transport never fails to "send".
func (lt *LoggingTransport) Send(v display.Vector) error {
	lt.frames++
	applog.Debugf("frame %d: mode=%s full=%d levels=%v peaks=%v", lt.frames, v.Mode, v.Full, v.Levels, v.Peaks)
	return nil
}

// Close is a no-op for LoggingTransport.
func (lt *LoggingTransport) Close() error {
	applog.Debugf("transport: logging transport closed after %d frames", lt.frames)
	return nil
}

// Ensure LoggingTransport satisfies the interface at compile time.
var _ Transport = (*LoggingTransport)(nil)
