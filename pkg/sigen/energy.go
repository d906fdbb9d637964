package sigen

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/sigentools/sigen-go/pkg/log"
)

// EnergyFlowSnapshot is a point-in-time read of the station's power flows.
// Field names mirror the wire schema; Raw holds the full server payload so
// fields the vendor adds later remain reachable.
type EnergyFlowSnapshot struct {
	PVPowerKW        float64 `json:"pvPower"`
	BuyOrSellPowerKW float64 `json:"buyOrSellPower"`
	BatteryPowerKW   float64 `json:"batteryPower"`
	BatterySOC       float64 `json:"batterySoc"`
	LoadPowerKW      float64 `json:"loadPower"`
	EVPowerKW        float64 `json:"evPower"`
	ACEVPowerKW      float64 `json:"acEvPower"`
	PVDayEnergyKWH   float64 `json:"pvDayNrg"`
	DailyConsumption float64 `json:"dailyConsumption"`
	ExportedPowerKW  float64 `json:"exportedPower"`
	ImportedPowerKW  float64 `json:"importedPower"`
	BatterySOH       float64 `json:"batterySoh"`
	OnGrid           bool    `json:"onGrid"`

	Raw json.RawMessage `json:"-"`
}

// GetEnergyFlow returns the station's real-time energy flow. Read-only, no
// side effects.
func (c *Client) GetEnergyFlow(ctx context.Context) (EnergyFlowSnapshot, error) {
	stationID := c.stationID()
	if stationID == 0 {
		return EnergyFlowSnapshot{}, &InitError{Msg: "client not initialized"}
	}

	params := url.Values{}
	params.Set("id", strconv.FormatInt(stationID, 10))

	req, err := c.newGetRequest(ctx, "device/sigen/station/energyflow", params)
	if err != nil {
		return EnergyFlowSnapshot{}, err
	}

	raw, err := c.doRequestRaw(req)
	if err != nil {
		return EnergyFlowSnapshot{}, err
	}

	var flow EnergyFlowSnapshot
	if err := json.Unmarshal(raw, &flow); err != nil {
		return EnergyFlowSnapshot{}, &FormatError{Msg: "decoding energy flow", Err: err}
	}
	flow.Raw = raw

	log.Ctx(ctx).DebugContext(ctx, "fetched energy flow",
		slog.Float64("pvKW", flow.PVPowerKW),
		slog.Float64("batteryKW", flow.BatteryPowerKW),
		slog.Float64("gridKW", flow.BuyOrSellPowerKW),
		slog.Float64("loadKW", flow.LoadPowerKW),
		slog.Float64("soc", flow.BatterySOC),
	)
	return flow, nil
}
