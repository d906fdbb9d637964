package sigen

import (
	"context"
	"log/slog"

	"github.com/sigentools/sigen-go/pkg/log"
)

// StationInfo describes the account's station (the installed system).
type StationInfo struct {
	StationID       int64    `json:"stationId"`
	HasPV           bool     `json:"hasPv"`
	HasEV           bool     `json:"hasEv"`
	HasACCharger    bool     `json:"hasAcCharger"`
	ACSerialNumbers []string `json:"acSnList"`
	DCSerialNumbers []string `json:"dcSnList"`
	OnGrid          bool     `json:"onGrid"`
	PVCapacityKW    float64  `json:"pvCapacity"`
	BatteryCapacity float64  `json:"batteryCapacity"`
}

// ACSerial returns the first AC charger serial, or "" when the station has
// no AC charger.
func (s StationInfo) ACSerial() string {
	if !s.HasACCharger || len(s.ACSerialNumbers) == 0 {
		return ""
	}
	return s.ACSerialNumbers[0]
}

// DCSerial returns the first DC unit serial, or "".
func (s StationInfo) DCSerial() string {
	if len(s.DCSerialNumbers) == 0 {
		return ""
	}
	return s.DCSerialNumbers[0]
}

// FetchStationInfo fetches the station record and replaces the cached copy.
// Initialize calls this once; most callers only need Station afterwards.
func (c *Client) FetchStationInfo(ctx context.Context) error {
	req, err := c.newGetRequest(ctx, "device/owner/station/home", nil)
	if err != nil {
		return err
	}

	var info StationInfo
	if err := c.doRequest(req, &info); err != nil {
		return err
	}
	if info.StationID == 0 {
		return &FormatError{Msg: "station info missing stationId"}
	}

	log.Ctx(ctx).DebugContext(ctx, "fetched station info",
		slog.Int64("stationID", info.StationID),
		slog.Bool("hasPV", info.HasPV),
		slog.Bool("onGrid", info.OnGrid),
		slog.Float64("pvCapacityKW", info.PVCapacityKW),
		slog.Float64("batteryCapacityKWH", info.BatteryCapacity),
	)

	c.mu.Lock()
	c.station = &info
	c.mu.Unlock()
	return nil
}

// Station returns the cached station info. It is only valid after
// Initialize (or FetchStationInfo) succeeded.
func (c *Client) Station() (StationInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.station == nil {
		return StationInfo{}, &InitError{Msg: "station info not fetched, call Initialize first"}
	}
	return *c.station, nil
}
