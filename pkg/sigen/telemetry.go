package sigen

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/sigentools/sigen-go/pkg/log"
)

// maxBatteryCommands is the server-side batch limit for instruction
// commands.
const maxBatteryCommands = 24

// TelemetrySample is one parsed entry from the periodic telemetry topic.
//
// The broker sends watts with the vendor's sign conventions; values here are
// kilowatts with the battery sign inverted so positive means discharging,
// and grid positive means importing.
type TelemetrySample struct {
	Timestamp  string
	SystemID   string
	DeviceType string

	PVPowerKW      float64
	BatteryPowerKW float64
	SOCPercent     float64
	GridPowerKW    float64
	LoadPowerKW    float64

	Raw json.RawMessage
}

type telemetryEntry struct {
	StatisticsTime string                 `json:"statisticsTime"`
	SystemID       string                 `json:"systemId"`
	DeviceType     string                 `json:"deviceType"`
	Value          map[string]interface{} `json:"value"`
}

// telemetryFloat coerces a value field that may arrive as a JSON string or
// number; missing or unparseable values read as 0.
func telemetryFloat(values map[string]interface{}, key string) float64 {
	switch v := values[key].(type) {
	case float64:
		return v
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func parseTelemetrySample(raw json.RawMessage) (TelemetrySample, error) {
	var entry telemetryEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return TelemetrySample{}, &FormatError{Msg: "decoding telemetry entry", Err: err}
	}

	// Battery: vendor sends +charge/-discharge, invert to +discharge/-charge.
	return TelemetrySample{
		Timestamp:      entry.StatisticsTime,
		SystemID:       entry.SystemID,
		DeviceType:     entry.DeviceType,
		PVPowerKW:      telemetryFloat(entry.Value, "pvPowerW") / 1000,
		BatteryPowerKW: -telemetryFloat(entry.Value, "storageChargeDischargePowerW") / 1000,
		SOCPercent:     telemetryFloat(entry.Value, "storageSOC%"),
		GridPowerKW:    telemetryFloat(entry.Value, "gridActivePowerW") / 1000,
		LoadPowerKW:    telemetryFloat(entry.Value, "loadActivePowerW") / 1000,
		Raw:            raw,
	}, nil
}

// TelemetryHandlers holds the caller's callbacks. Nil handlers drop the
// corresponding messages.
type TelemetryHandlers struct {
	OnTelemetry    func(TelemetrySample)
	OnSystemChange func(json.RawMessage)
	OnAlarm        func(json.RawMessage)
}

// Telemetry streams real-time data from the vendor's regional MQTT broker.
// It authenticates with a developer app key via the northbound API and
// refreshes the broker credentials before token expiry.
type Telemetry struct {
	nb        *Northbound
	appKey    string
	systemIDs []string
	broker    string
	port      int
	tlsConfig *tls.Config
	handlers  TelemetryHandlers

	mu        sync.Mutex
	client    mqtt.Client
	connected bool
}

// TelemetryOption configures Telemetry at construction.
type TelemetryOption func(*Telemetry) error

// WithTelemetryBroker overrides the regional broker. Intended for tests.
func WithTelemetryBroker(host string, port int) TelemetryOption {
	return func(t *Telemetry) error {
		if host == "" || port <= 0 {
			return fmt.Errorf("invalid broker %q:%d", host, port)
		}
		t.broker = host
		t.port = port
		return nil
	}
}

// WithTelemetryTLSConfig sets the TLS configuration used for the broker
// connection, e.g. to pin a CA or supply a client certificate.
func WithTelemetryTLSConfig(cfg *tls.Config) TelemetryOption {
	return func(t *Telemetry) error {
		t.tlsConfig = cfg
		return nil
	}
}

// NewTelemetry returns an unconnected telemetry stream for the given systems.
func NewTelemetry(appKey, appSecret string, systemIDs []string, region Region, opts ...TelemetryOption) (*Telemetry, error) {
	nb, err := NewNorthboundKey(appKey, appSecret, region)
	if err != nil {
		return nil, err
	}
	broker, ok := regionBrokers[region]
	if !ok {
		return nil, &ConfigError{Msg: fmt.Sprintf("unsupported region %q", region)}
	}
	if len(systemIDs) == 0 {
		return nil, &ConfigError{Msg: "no system ids"}
	}

	t := &Telemetry{
		nb:        nb,
		appKey:    appKey,
		systemIDs: systemIDs,
		broker:    broker,
		port:      brokerPort,
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, &ConfigError{Msg: fmt.Sprintf("invalid option: %v", err)}
		}
	}
	return t, nil
}

// Connected reports whether the broker connection is up.
func (t *Telemetry) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Connect authenticates, connects to the broker and subscribes. Handlers run
// on the MQTT client's callback goroutine; they should return quickly.
func (t *Telemetry) Connect(ctx context.Context, handlers TelemetryHandlers) error {
	token, err := t.nb.ensureToken(ctx)
	if err != nil {
		return err
	}
	t.handlers = handlers

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("ssl://%s:%d", t.broker, t.port)).
		SetUsername(t.appKey).
		SetPassword(token).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetConnectTimeout(30 * time.Second)
	if t.tlsConfig != nil {
		opts.SetTLSConfig(t.tlsConfig)
	}
	// Reconnects pick up a fresh token instead of replaying the original.
	opts.SetCredentialsProvider(func() (string, string) {
		tok, err := t.nb.ensureToken(context.Background())
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "telemetry token refresh failed", slog.Any("error", err))
			return t.appKey, ""
		}
		return t.appKey, tok
	})
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		t.mu.Lock()
		t.connected = true
		t.mu.Unlock()
		log.Ctx(ctx).InfoContext(ctx, "telemetry connected",
			slog.String("broker", t.broker), slog.Int("port", t.port))
		if err := t.subscribe(ctx, client); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "telemetry subscribe failed", slog.Any("error", err))
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()
		log.Ctx(ctx).WarnContext(ctx, "telemetry connection lost", slog.Any("error", err))
	})

	client := mqtt.NewClient(opts)
	if tok := client.Connect(); tok.Wait() && tok.Error() != nil {
		return &NetworkError{Err: tok.Error()}
	}

	t.mu.Lock()
	t.client = client
	t.mu.Unlock()
	return nil
}

// subscribe publishes the subscription requests and attaches to the
// allocated per-system topic channels.
func (t *Telemetry) subscribe(ctx context.Context, client mqtt.Client) error {
	token, err := t.nb.ensureToken(ctx)
	if err != nil {
		return err
	}

	sub, err := json.Marshal(map[string]interface{}{
		"accessToken":  token,
		"systemIdList": t.systemIDs,
	})
	if err != nil {
		return err
	}
	for _, channel := range []string{"period", "change", "alarm"} {
		if tok := client.Publish("openapi/subscription/"+channel, 1, false, sub); tok.Wait() && tok.Error() != nil {
			return &NetworkError{Err: tok.Error()}
		}
	}

	for _, systemID := range t.systemIDs {
		for _, channel := range []string{"period", "change", "alarm"} {
			topic := fmt.Sprintf("openapi/%s/%s/%s", channel, t.appKey, systemID)
			if tok := client.Subscribe(topic, 1, t.onMessage); tok.Wait() && tok.Error() != nil {
				return &NetworkError{Err: tok.Error()}
			}
		}
		log.Ctx(ctx).DebugContext(ctx, "subscribed to telemetry topics", slog.String("systemID", systemID))
	}
	return nil
}

func (t *Telemetry) onMessage(_ mqtt.Client, msg mqtt.Message) {
	topic := msg.Topic()
	payload := msg.Payload()

	switch {
	case strings.Contains(topic, "/period/"):
		if t.handlers.OnTelemetry == nil {
			return
		}
		t.dispatchTelemetry(payload)
	case strings.Contains(topic, "/change/"):
		if t.handlers.OnSystemChange != nil {
			t.handlers.OnSystemChange(append(json.RawMessage(nil), payload...))
		}
	case strings.Contains(topic, "/alarm/"):
		if t.handlers.OnAlarm != nil {
			t.handlers.OnAlarm(append(json.RawMessage(nil), payload...))
		}
	}
}

// dispatchTelemetry parses a periodic payload, which may be a single entry
// or a list of device entries, and invokes the callback for each.
func (t *Telemetry) dispatchTelemetry(payload []byte) {
	ctx := context.Background()

	var entries []json.RawMessage
	trimmed := strings.TrimSpace(string(payload))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(payload, &entries); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "non-JSON telemetry payload", slog.Any("error", err))
			return
		}
	} else {
		entries = []json.RawMessage{payload}
	}

	for _, entry := range entries {
		sample, err := parseTelemetrySample(entry)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping telemetry entry", slog.Any("error", err))
			continue
		}
		t.handlers.OnTelemetry(sample)
	}
}

// BatteryCommand is one entry of an instruction command batch; the schema is
// vendor-defined and passed through as-is.
type BatteryCommand map[string]interface{}

// SendBatteryCommands publishes a batch of battery commands to the
// instruction topic. The server accepts at most 24 commands per batch.
func (t *Telemetry) SendBatteryCommands(ctx context.Context, commands []BatteryCommand) error {
	if len(commands) == 0 {
		return nil
	}
	if len(commands) > maxBatteryCommands {
		return fmt.Errorf("sigen: at most %d battery commands per batch, got %d", maxBatteryCommands, len(commands))
	}

	t.mu.Lock()
	client := t.client
	connected := t.connected
	t.mu.Unlock()
	if client == nil || !connected {
		return &NetworkError{Err: fmt.Errorf("telemetry not connected")}
	}

	token, err := t.nb.ensureToken(ctx)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]interface{}{
		"accessToken": token,
		"commands":    commands,
	})
	if err != nil {
		return err
	}

	if tok := client.Publish("openapi/instruction/command", 1, false, payload); tok.Wait() && tok.Error() != nil {
		return &NetworkError{Err: tok.Error()}
	}
	log.Ctx(ctx).InfoContext(ctx, "published battery commands", slog.Int("count", len(commands)))
	return nil
}

// Disconnect closes the broker connection.
func (t *Telemetry) Disconnect() {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.connected = false
	t.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
	}
}
