package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/i474232898/weather-station-fusion/internal/weather"
	"github.com/i474232898/weather-station-fusion/internal/weather/decode"
)

// DefaultUDPPort is the port hubs broadcast on.
const DefaultUDPPort = 50222

// UDPListener receives the hub's local broadcast.
type UDPListener struct {
	logger *slog.Logger

	mu        sync.RWMutex
	port      int
	bound     *net.UDPAddr
	listening atomic.Bool
	lastMsg   atomic.Value // time.Time
}

// NewUDPListener creates a listener on port. Port 0 picks a free port.
func NewUDPListener(port int, logger *slog.Logger) *UDPListener {
	if logger == nil {
		logger = slog.Default()
	}
	l := &UDPListener{
		port:   port,
		logger: logger.With("component", "udp"),
	}
	l.lastMsg.Store(time.Time{})
	return l
}

func (l *UDPListener) Transport() weather.Transport { return weather.TransportUDP }

// SetPort changes the port. Takes effect on the next Run.
func (l *UDPListener) SetPort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("invalid udp port %d", port)
	}
	l.mu.Lock()
	l.port = port
	l.mu.Unlock()
	return nil
}

// Port returns the configured port.
func (l *UDPListener) Port() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.port
}

// Addr returns the bound address while listening.
func (l *UDPListener) Addr() *net.UDPAddr {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.bound
}

// Listening reports whether the socket is bound.
func (l *UDPListener) Listening() bool { return l.listening.Load() }

// LastMessage returns when the last datagram was received.
func (l *UDPListener) LastMessage() time.Time {
	t, _ := l.lastMsg.Load().(time.Time)
	return t
}

// Run binds the socket and reads until ctx is cancelled.
func (l *UDPListener) Run(ctx context.Context, emit Emit, report Reporter) error {
	report = reporterOrNop(report)

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: l.Port()})
	if err != nil {
		return &TransportError{Transport: weather.TransportUDP, Kind: KindNetwork, Op: "bind", Err: err}
	}
	defer conn.Close()

	l.mu.Lock()
	l.bound, _ = conn.LocalAddr().(*net.UDPAddr)
	l.mu.Unlock()
	l.listening.Store(true)
	defer func() {
		l.listening.Store(false)
		l.mu.Lock()
		l.bound = nil
		l.mu.Unlock()
	}()
	l.logger.Info("listening", "addr", conn.LocalAddr().String())

	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		// Short deadline so cancellation is noticed.
		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return &TransportError{Transport: weather.TransportUDP, Kind: KindNetwork, Op: "read", Err: err}
		}

		now := time.Now()
		l.lastMsg.Store(now)

		msg, err := decode.Decode(weather.TransportUDP, buf[:n])
		if err != nil {
			l.logger.Debug("dropping malformed datagram", "error", err)
			report.Failure(err)
			continue
		}
		report.Success(now)
		if msg.IsStatus() {
			report.Status(*msg.Status)
			continue
		}
		for _, s := range msg.Samples {
			s.ReceivedAt = now
			if err := emit(ctx, s); err != nil {
				return nil
			}
		}
	}
}
