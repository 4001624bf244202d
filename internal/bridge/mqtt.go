// Package bridge forwards fused snapshots to an MQTT broker.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/i474232898/weather-station-fusion/internal/store"
	"github.com/i474232898/weather-station-fusion/internal/weather"
)

var errStopped = errors.New("bridge stopped")

// Config addresses the broker.
type Config struct {
	Broker      string
	Port        int
	ClientID    string
	TopicPrefix string
}

// Source hands out snapshot subscriptions.
type Source interface {
	Subscribe() *store.Subscription
	Unsubscribe(id string)
}

// Recorder counts publish attempts.
type Recorder interface {
	BridgePublished(err error)
}

// client is the part of the paho client the bridge uses.
type client interface {
	Connect() mqtt.Token
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Payload is the retained message body.
type Payload struct {
	StationID int                                  `json:"station_id"`
	Version   uint64                               `json:"version"`
	UpdatedAt time.Time                            `json:"updated_at"`
	Fields    map[weather.Field]weather.FieldValue `json:"fields"`
	Warnings  []weather.Warning                    `json:"warnings,omitempty"`
}

// MQTTBridge publishes the effective observation of every new snapshot as a
// retained message on <prefix>/<station id>/state.
type MQTTBridge struct {
	client    client
	cfg       Config
	logger    *slog.Logger
	recorder  Recorder
	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewMQTTBridge builds the paho client. Nothing connects until Connect.
func NewMQTTBridge(cfg Config, recorder Recorder, logger *slog.Logger) *MQTTBridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &MQTTBridge{
		cfg:      cfg,
		logger:   logger.With("component", "mqtt"),
		recorder: recorder,
		stopCh:   make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		b.setConnected(true)
		b.logger.Info("mqtt connected", "broker", cfg.Broker, "port", cfg.Port)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.setConnected(false)
		b.logger.Warn("mqtt connection lost", "error", err)
	})

	b.client = mqtt.NewClient(opts)
	return b
}

// Connect waits for the initial broker connection, respecting ctx and
// Disconnect.
func (b *MQTTBridge) Connect(ctx context.Context) error {
	select {
	case <-b.stopCh:
		return errStopped
	default:
	}
	if b.IsConnected() {
		return nil
	}

	token := b.client.Connect()
	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.stopCh:
			return errStopped
		default:
		}
	}
}

// Run forwards snapshots from src until ctx is cancelled or the bridge is
// disconnected. Publish failures are logged and the next snapshot is tried.
func (b *MQTTBridge) Run(ctx context.Context, src Source) error {
	sub := src.Subscribe()
	defer src.Unsubscribe(sub.ID)

	var last uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.stopCh:
			return nil
		case state, ok := <-sub.C:
			if !ok {
				return nil
			}
			if state.Version <= last {
				continue
			}
			last = state.Version
			if err := b.Publish(state); err != nil {
				b.logger.Warn("snapshot not forwarded", "version", state.Version, "error", err)
			}
		}
	}
}

// Topic returns the state topic of a station.
func (b *MQTTBridge) Topic(stationID int) string {
	return fmt.Sprintf("%s/%d/state", b.cfg.TopicPrefix, stationID)
}

// Publish sends one snapshot as a retained message.
func (b *MQTTBridge) Publish(state weather.FusionState) (err error) {
	defer func() {
		if b.recorder != nil {
			b.recorder.BridgePublished(err)
		}
	}()

	if !b.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}

	data, err := json.Marshal(Payload{
		StationID: state.Station.ID,
		Version:   state.Version,
		UpdatedAt: state.UpdatedAt,
		Fields:    state.Effective,
		Warnings:  state.Warnings,
	})
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	topic := b.Topic(state.Station.ID)
	token := b.client.Publish(topic, 1, true, data)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if token.Error() != nil {
		return fmt.Errorf("publish state: %w", token.Error())
	}

	b.logger.Debug("published state", "topic", topic, "version", state.Version)
	return nil
}

// IsConnected returns whether the client is connected.
func (b *MQTTBridge) IsConnected() bool {
	b.mu.RLock()
	connected := b.connected
	b.mu.RUnlock()
	return connected && b.client.IsConnected()
}

// Disconnect stops Run and closes the broker connection. Safe to call more
// than once.
func (b *MQTTBridge) Disconnect() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	if b.client != nil {
		b.client.Disconnect(250)
	}
	b.setConnected(false)
	b.logger.Info("mqtt disconnected")
}

func (b *MQTTBridge) setConnected(v bool) {
	b.mu.Lock()
	b.connected = v
	b.mu.Unlock()
}
