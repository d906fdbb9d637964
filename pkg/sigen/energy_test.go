package sigen

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnergyFlow(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/oauth/token":
			writeTokenResponse(w, "tok", "ref", 3600)
		case "/device/owner/station/home":
			writeEnvelope(w, map[string]interface{}{"stationId": 321})
		case "/device/sigen/station/energyflow":
			assert.Equal(t, "321", r.URL.Query().Get("id"))
			writeEnvelope(w, map[string]interface{}{
				"pvPower":        4.2,
				"buyOrSellPower": -1.5,
				"batteryPower":   2.7,
				"batterySoc":     81.5,
				"loadPower":      0.9,
				"pvDayNrg":       18.3,
				"onGrid":         true,
				"heatPumpPower":  0.4,
			})
		default:
			http.Error(w, "not found: "+r.URL.Path, 404)
		}
	}))
	defer ts.Close()

	c := newTestClient(t, ts)
	require.NoError(t, c.FetchStationInfo(context.Background()))

	flow, err := c.GetEnergyFlow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4.2, flow.PVPowerKW)
	assert.Equal(t, -1.5, flow.BuyOrSellPowerKW)
	assert.Equal(t, 2.7, flow.BatteryPowerKW)
	assert.Equal(t, 81.5, flow.BatterySOC)
	assert.Equal(t, 0.9, flow.LoadPowerKW)
	assert.Equal(t, 18.3, flow.PVDayEnergyKWH)
	assert.True(t, flow.OnGrid)
	assert.Contains(t, string(flow.Raw), "heatPumpPower", "unmodeled fields stay reachable via Raw")
}
