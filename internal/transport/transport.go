// Package transport holds the three adapters that bring WeatherFlow data into
// the process: REST polling, the WebSocket stream and the local UDP broadcast.
// Adapters only decode and emit; merging is the fusion engine's job.
package transport

import (
	"context"
	"time"

	"github.com/i474232898/weather-station-fusion/internal/weather"
)

// Emit hands a decoded sample to the engine. It blocks while the engine queue
// is full and fails once ctx is done.
type Emit func(ctx context.Context, s weather.Sample) error

// ConnState is the connection state of a streaming transport.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
)

// Reporter receives health events from an adapter.
type Reporter interface {
	// Success records a successful fetch or received message.
	Success(at time.Time)
	// Failure records a non-fatal error; the adapter keeps running.
	Failure(err error)
	// Conn records a connection state change.
	Conn(state ConnState)
	// Status records a hub or device status report.
	Status(s weather.DeviceStatus)
}

// Adapter is one transport. Run blocks until ctx is cancelled, returning nil,
// or until the adapter cannot continue, returning the reason.
type Adapter interface {
	Transport() weather.Transport
	Run(ctx context.Context, emit Emit, report Reporter) error
}

type nopReporter struct{}

func (nopReporter) Success(time.Time) {}
func (nopReporter) Failure(error) {}
func (nopReporter) Conn(ConnState) {}
func (nopReporter) Status(weather.DeviceStatus) {}

func reporterOrNop(r Reporter) Reporter {
	if r == nil {
		return nopReporter{}
	}
	return r
}
