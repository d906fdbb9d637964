package sigen

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTelemetrySample(t *testing.T) {
	raw := json.RawMessage(`{
		"statisticsTime": "2026-08-30 11:05:00",
		"systemId": "SYS-1",
		"deviceType": "energyStorageSystem",
		"value": {
			"pvPowerW": 4200,
			"storageChargeDischargePowerW": 1500,
			"storageSOC%": "81.5",
			"gridActivePowerW": -900,
			"loadActivePowerW": 3600
		}
	}`)

	sample, err := parseTelemetrySample(raw)
	require.NoError(t, err)
	assert.Equal(t, "2026-08-30 11:05:00", sample.Timestamp)
	assert.Equal(t, "SYS-1", sample.SystemID)
	assert.Equal(t, "energyStorageSystem", sample.DeviceType)
	assert.Equal(t, 4.2, sample.PVPowerKW)
	assert.Equal(t, -1.5, sample.BatteryPowerKW, "positive charge on the wire means negative discharge")
	assert.Equal(t, 81.5, sample.SOCPercent, "percent values are strings on the wire")
	assert.Equal(t, -0.9, sample.GridPowerKW)
	assert.Equal(t, 3.6, sample.LoadPowerKW)
	assert.Equal(t, raw, sample.Raw)
}

func TestParseTelemetrySampleMissingValues(t *testing.T) {
	sample, err := parseTelemetrySample(json.RawMessage(`{"systemId":"SYS-2","value":{}}`))
	require.NoError(t, err)
	assert.Zero(t, sample.PVPowerKW)
	assert.Zero(t, sample.SOCPercent)

	_, err = parseTelemetrySample(json.RawMessage(`not json`))
	var fmtErr *FormatError
	assert.ErrorAs(t, err, &fmtErr)
}

func TestTelemetryFloat(t *testing.T) {
	values := map[string]interface{}{
		"num":  12.5,
		"str":  "7.25",
		"junk": "n/a",
		"nil":  nil,
	}
	assert.Equal(t, 12.5, telemetryFloat(values, "num"))
	assert.Equal(t, 7.25, telemetryFloat(values, "str"))
	assert.Zero(t, telemetryFloat(values, "junk"))
	assert.Zero(t, telemetryFloat(values, "nil"))
	assert.Zero(t, telemetryFloat(values, "missing"))
}

func TestDispatchTelemetry(t *testing.T) {
	var samples []TelemetrySample
	tel := &Telemetry{handlers: TelemetryHandlers{
		OnTelemetry: func(s TelemetrySample) { samples = append(samples, s) },
	}}

	t.Run("ListPayload", func(t *testing.T) {
		samples = nil
		tel.dispatchTelemetry([]byte(`[
			{"systemId": "SYS-1", "value": {"pvPowerW": 1000}},
			{"systemId": "SYS-2", "value": {"pvPowerW": 2000}}
		]`))
		require.Len(t, samples, 2)
		assert.Equal(t, 1.0, samples[0].PVPowerKW)
		assert.Equal(t, "SYS-2", samples[1].SystemID)
	})

	t.Run("SinglePayload", func(t *testing.T) {
		samples = nil
		tel.dispatchTelemetry([]byte(`{"systemId": "SYS-1", "value": {"loadActivePowerW": 500}}`))
		require.Len(t, samples, 1)
		assert.Equal(t, 0.5, samples[0].LoadPowerKW)
	})

	t.Run("BadEntrySkipped", func(t *testing.T) {
		samples = nil
		tel.dispatchTelemetry([]byte(`[{"systemId": "SYS-1", "value": {}}, "bogus"]`))
		require.Len(t, samples, 1, "malformed entries are skipped, not fatal")
	})
}

func TestNewTelemetry(t *testing.T) {
	t.Run("RegionBroker", func(t *testing.T) {
		tel, err := NewTelemetry("key", "secret", []string{"SYS-1"}, RegionUS)
		require.NoError(t, err)
		assert.Equal(t, "mqtt-us.sigencloud.com", tel.broker)
		assert.Equal(t, 8883, tel.port)
		assert.False(t, tel.Connected())
	})

	t.Run("Invalid", func(t *testing.T) {
		var cfgErr *ConfigError
		_, err := NewTelemetry("key", "secret", nil, RegionUS)
		assert.ErrorAs(t, err, &cfgErr)
		_, err = NewTelemetry("", "secret", []string{"SYS-1"}, RegionUS)
		assert.ErrorAs(t, err, &cfgErr)
		_, err = NewTelemetry("key", "secret", []string{"SYS-1"}, Region("nope"))
		assert.ErrorAs(t, err, &cfgErr)
	})

	t.Run("BrokerOverride", func(t *testing.T) {
		tel, err := NewTelemetry("key", "secret", []string{"SYS-1"}, RegionEU,
			WithTelemetryBroker("localhost", 18883))
		require.NoError(t, err)
		assert.Equal(t, "localhost", tel.broker)
		assert.Equal(t, 18883, tel.port)
	})
}

func TestSendBatteryCommandsBatchLimit(t *testing.T) {
	tel, err := NewTelemetry("key", "secret", []string{"SYS-1"}, RegionEU)
	require.NoError(t, err)

	commands := make([]BatteryCommand, maxBatteryCommands+1)
	for i := range commands {
		commands[i] = BatteryCommand{"systemId": "SYS-1"}
	}
	err = tel.SendBatteryCommands(context.Background(), commands)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at most 24 battery commands")

	var netErr *NetworkError
	err = tel.SendBatteryCommands(context.Background(), commands[:1])
	assert.ErrorAs(t, err, &netErr, "publishing without a connection must fail")

	assert.NoError(t, tel.SendBatteryCommands(context.Background(), nil), "empty batch is a no-op")
}
