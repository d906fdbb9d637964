// Package exporter exposes a Sigenergy station's energy flow as prometheus
// metrics. Register a Collector with any prometheus registry; each scrape
// performs one energy-flow read through the client.
package exporter

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sigentools/sigen-go/pkg/log"
	"github.com/sigentools/sigen-go/pkg/sigen"
)

// Flow is the subset of the client the collector needs; *sigen.Client
// satisfies it.
type Flow interface {
	GetEnergyFlow(ctx context.Context) (sigen.EnergyFlowSnapshot, error)
	Station() (sigen.StationInfo, error)
}

// Collector implements prometheus.Collector over one initialized client.
type Collector struct {
	client  Flow
	timeout time.Duration

	pvPower       *prometheus.Desc
	batteryPower  *prometheus.Desc
	gridPower     *prometheus.Desc
	loadPower     *prometheus.Desc
	batterySOC    *prometheus.Desc
	pvDayEnergy   *prometheus.Desc
	onGrid        *prometheus.Desc
	scrapeSuccess *prometheus.Desc
}

// NewCollector creates a collector reading through client. The client must
// already be initialized.
func NewCollector(client Flow) *Collector {
	labels := []string{"station_id"}
	return &Collector{
		client:  client,
		timeout: 30 * time.Second,
		pvPower: prometheus.NewDesc(
			"sigen_pv_power_kw",
			"Current PV generation in kilowatts",
			labels, nil,
		),
		batteryPower: prometheus.NewDesc(
			"sigen_battery_power_kw",
			"Current battery power in kilowatts",
			labels, nil,
		),
		gridPower: prometheus.NewDesc(
			"sigen_grid_power_kw",
			"Current grid power in kilowatts (buy/sell)",
			labels, nil,
		),
		loadPower: prometheus.NewDesc(
			"sigen_load_power_kw",
			"Current household load in kilowatts",
			labels, nil,
		),
		batterySOC: prometheus.NewDesc(
			"sigen_battery_soc_percent",
			"Battery state of charge in percent",
			labels, nil,
		),
		pvDayEnergy: prometheus.NewDesc(
			"sigen_pv_day_energy_kwh",
			"PV energy generated today in kilowatt-hours",
			labels, nil,
		),
		onGrid: prometheus.NewDesc(
			"sigen_on_grid",
			"Whether the station is on-grid (1=yes, 0=no)",
			labels, nil,
		),
		scrapeSuccess: prometheus.NewDesc(
			"sigen_scrape_success",
			"Whether scraping the Sigenergy cloud API was successful",
			labels, nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pvPower
	ch <- c.batteryPower
	ch <- c.gridPower
	ch <- c.loadPower
	ch <- c.batterySOC
	ch <- c.pvDayEnergy
	ch <- c.onGrid
	ch <- c.scrapeSuccess
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	stationLabel := "unknown"
	if station, err := c.client.Station(); err == nil {
		stationLabel = strconv.FormatInt(station.StationID, 10)
	}

	flow, err := c.client.GetEnergyFlow(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "scrape failed", slog.Any("error", err))
		ch <- prometheus.MustNewConstMetric(c.scrapeSuccess, prometheus.GaugeValue, 0, stationLabel)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.scrapeSuccess, prometheus.GaugeValue, 1, stationLabel)

	ch <- prometheus.MustNewConstMetric(c.pvPower, prometheus.GaugeValue, flow.PVPowerKW, stationLabel)
	ch <- prometheus.MustNewConstMetric(c.batteryPower, prometheus.GaugeValue, flow.BatteryPowerKW, stationLabel)
	ch <- prometheus.MustNewConstMetric(c.gridPower, prometheus.GaugeValue, flow.BuyOrSellPowerKW, stationLabel)
	ch <- prometheus.MustNewConstMetric(c.loadPower, prometheus.GaugeValue, flow.LoadPowerKW, stationLabel)
	ch <- prometheus.MustNewConstMetric(c.batterySOC, prometheus.GaugeValue, flow.BatterySOC, stationLabel)
	ch <- prometheus.MustNewConstMetric(c.pvDayEnergy, prometheus.GaugeValue, flow.PVDayEnergyKWH, stationLabel)

	onGrid := 0.0
	if flow.OnGrid {
		onGrid = 1.0
	}
	ch <- prometheus.MustNewConstMetric(c.onGrid, prometheus.GaugeValue, onGrid, stationLabel)
}
