package exporter

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigentools/sigen-go/pkg/sigen"
)

type fakeFlow struct {
	flow    sigen.EnergyFlowSnapshot
	flowErr error
	station sigen.StationInfo
	stnErr  error
}

func (f *fakeFlow) GetEnergyFlow(context.Context) (sigen.EnergyFlowSnapshot, error) {
	return f.flow, f.flowErr
}

func (f *fakeFlow) Station() (sigen.StationInfo, error) {
	return f.station, f.stnErr
}

func TestCollectorDescribe(t *testing.T) {
	c := NewCollector(&fakeFlow{})
	ch := make(chan *prometheus.Desc, 16)
	c.Describe(ch)
	close(ch)

	count := 0
	for range ch {
		count++
	}
	assert.Equal(t, 8, count)
}

func TestCollectorCollect(t *testing.T) {
	f := &fakeFlow{
		station: sigen.StationInfo{StationID: 4242},
		flow: sigen.EnergyFlowSnapshot{
			PVPowerKW:        3.5,
			BatteryPowerKW:   -1.2,
			BuyOrSellPowerKW: 0.8,
			LoadPowerKW:      3.1,
			BatterySOC:       64,
			PVDayEnergyKWH:   21.7,
			OnGrid:           true,
		},
	}

	expected := `
# HELP sigen_battery_power_kw Current battery power in kilowatts
# TYPE sigen_battery_power_kw gauge
sigen_battery_power_kw{station_id="4242"} -1.2
# HELP sigen_battery_soc_percent Battery state of charge in percent
# TYPE sigen_battery_soc_percent gauge
sigen_battery_soc_percent{station_id="4242"} 64
# HELP sigen_grid_power_kw Current grid power in kilowatts (buy/sell)
# TYPE sigen_grid_power_kw gauge
sigen_grid_power_kw{station_id="4242"} 0.8
# HELP sigen_load_power_kw Current household load in kilowatts
# TYPE sigen_load_power_kw gauge
sigen_load_power_kw{station_id="4242"} 3.1
# HELP sigen_on_grid Whether the station is on-grid (1=yes, 0=no)
# TYPE sigen_on_grid gauge
sigen_on_grid{station_id="4242"} 1
# HELP sigen_pv_day_energy_kwh PV energy generated today in kilowatt-hours
# TYPE sigen_pv_day_energy_kwh gauge
sigen_pv_day_energy_kwh{station_id="4242"} 21.7
# HELP sigen_pv_power_kw Current PV generation in kilowatts
# TYPE sigen_pv_power_kw gauge
sigen_pv_power_kw{station_id="4242"} 3.5
# HELP sigen_scrape_success Whether scraping the Sigenergy cloud API was successful
# TYPE sigen_scrape_success gauge
sigen_scrape_success{station_id="4242"} 1
`
	require.NoError(t, testutil.CollectAndCompare(NewCollector(f), strings.NewReader(expected)))
}

func TestCollectorCollectFailure(t *testing.T) {
	f := &fakeFlow{
		stnErr:  errors.New("not initialized"),
		flowErr: errors.New("cloud unreachable"),
	}

	expected := `
# HELP sigen_scrape_success Whether scraping the Sigenergy cloud API was successful
# TYPE sigen_scrape_success gauge
sigen_scrape_success{station_id="unknown"} 0
`
	require.NoError(t, testutil.CollectAndCompare(NewCollector(f), strings.NewReader(expected)))
}
