package sigen

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/sigentools/sigen-go/pkg/log"
)

// Smart load switch states.
const (
	SmartLoadOff = 0
	SmartLoadOn  = 1
)

const defaultConsumption = "0.00 kWh"

// SmartLoad is one controllable load attached to the station. Consumption
// figures are the server's formatted strings; Raw carries the full card
// payload so attributes this struct does not model stay reachable.
type SmartLoad struct {
	Path        int    `json:"path"`
	Name        string `json:"name"`
	SmartLoadID int    `json:"smartLoadId"`

	TodayConsumption    string `json:"todayConsumption"`
	MonthConsumption    string `json:"monthConsumption"`
	LifetimeConsumption string `json:"lifetimeConsumption"`

	Raw json.RawMessage `json:"-"`
}

func (l *SmartLoad) UnmarshalJSON(b []byte) error {
	type alias SmartLoad
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*l = SmartLoad(a)
	l.Raw = append(json.RawMessage(nil), b...)
	return nil
}

type smartLoadDetail struct {
	SmartLoadID *int `json:"smartLoadId"`
}

type smartLoadConsumption struct {
	TodayConsumption    string `json:"todayConsumption"`
	MonthConsumption    string `json:"monthConsumption"`
	LifetimeConsumption string `json:"lifetimeConsumption"`
}

func (c *Client) fetchSmartLoadList(ctx context.Context) ([]SmartLoad, error) {
	params := url.Values{}
	params.Set("stationId", strconv.FormatInt(c.stationID(), 10))
	params.Set("showNewGenerator", "true")

	req, err := c.newGetRequest(ctx, "device/system/device/systemDevice/card", params)
	if err != nil {
		return nil, err
	}

	var loads []SmartLoad
	if err := c.doRequest(req, &loads); err != nil {
		return nil, err
	}
	return loads, nil
}

func (c *Client) fetchSmartLoadDetail(ctx context.Context, loadPath int) (smartLoadDetail, error) {
	params := url.Values{}
	params.Set("stationId", strconv.FormatInt(c.stationID(), 10))
	params.Set("loadPath", strconv.Itoa(loadPath))

	req, err := c.newGetRequest(ctx, "device/tp-device/smart-loads", params)
	if err != nil {
		return smartLoadDetail{}, err
	}

	var detail smartLoadDetail
	if err := c.doRequest(req, &detail); err != nil {
		return smartLoadDetail{}, err
	}
	return detail, nil
}

func (c *Client) fetchSmartLoadConsumption(ctx context.Context, loadPath, smartLoadID int) (smartLoadConsumption, error) {
	params := url.Values{}
	params.Set("stationId", strconv.FormatInt(c.stationID(), 10))
	params.Set("loadPath", strconv.Itoa(loadPath))
	params.Set("smartLoadId", strconv.Itoa(smartLoadID))

	req, err := c.newGetRequest(ctx, "data-process/sigen/station/statistics/real-time-consumption", params)
	if err != nil {
		return smartLoadConsumption{}, err
	}

	var cons smartLoadConsumption
	if err := c.doRequest(req, &cons); err != nil {
		return smartLoadConsumption{}, err
	}
	return cons, nil
}

// buildLoadIDMap resolves and caches the loadPath to smartLoadId mapping.
// Per-load failures are logged and skipped; an account without smart loads
// is not an error.
func (c *Client) buildLoadIDMap(ctx context.Context) {
	loads, err := c.fetchSmartLoadList(ctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to list smart loads", slog.Any("error", err))
		return
	}

	ids := make(map[int]int)
	for _, load := range loads {
		if load.Path == 0 {
			continue
		}
		detail, err := c.fetchSmartLoadDetail(ctx, load.Path)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to resolve smart load id",
				slog.String("name", load.Name), slog.Int("path", load.Path), slog.Any("error", err))
			continue
		}
		if detail.SmartLoadID == nil {
			continue
		}
		ids[load.Path] = *detail.SmartLoadID
		log.Ctx(ctx).DebugContext(ctx, "cached smart load id",
			slog.String("name", load.Name), slog.Int("path", load.Path), slog.Int("smartLoadID", *detail.SmartLoadID))
	}

	c.mu.Lock()
	c.loadIDs = ids
	c.mu.Unlock()
}

// GetSmartLoads returns the station's smart loads enriched with real-time
// consumption stats. The server is the source of truth; nothing is cached
// across calls except the loadPath to smartLoadId mapping.
func (c *Client) GetSmartLoads(ctx context.Context) ([]SmartLoad, error) {
	if c.stationID() == 0 {
		return nil, &InitError{Msg: "client not initialized"}
	}

	loads, err := c.fetchSmartLoadList(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	ids := make(map[int]int, len(c.loadIDs))
	for k, v := range c.loadIDs {
		ids[k] = v
	}
	c.mu.Unlock()

	for i := range loads {
		load := &loads[i]
		load.TodayConsumption = defaultConsumption
		load.MonthConsumption = defaultConsumption
		load.LifetimeConsumption = defaultConsumption

		if load.Path == 0 {
			continue
		}

		id, ok := ids[load.Path]
		if !ok {
			detail, err := c.fetchSmartLoadDetail(ctx, load.Path)
			if err != nil || detail.SmartLoadID == nil {
				log.Ctx(ctx).WarnContext(ctx, "no smart load id for load",
					slog.String("name", load.Name), slog.Int("path", load.Path), slog.Any("error", err))
				continue
			}
			id = *detail.SmartLoadID
			ids[load.Path] = id
		}
		load.SmartLoadID = id

		cons, err := c.fetchSmartLoadConsumption(ctx, load.Path, id)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to fetch load consumption",
				slog.String("name", load.Name), slog.Int("path", load.Path), slog.Any("error", err))
			continue
		}
		if cons.TodayConsumption != "" {
			load.TodayConsumption = cons.TodayConsumption
		}
		if cons.MonthConsumption != "" {
			load.MonthConsumption = cons.MonthConsumption
		}
		if cons.LifetimeConsumption != "" {
			load.LifetimeConsumption = cons.LifetimeConsumption
		}
	}

	c.mu.Lock()
	c.loadIDs = ids
	c.mu.Unlock()

	return loads, nil
}

// SetSmartLoadState switches a smart load on (SmartLoadOn) or off
// (SmartLoadOff). The server validates everything beyond the 0/1 range.
func (c *Client) SetSmartLoadState(ctx context.Context, loadPath, state int) error {
	if state != SmartLoadOff && state != SmartLoadOn {
		return fmt.Errorf("sigen: smart load state must be %d (off) or %d (on), got %d",
			SmartLoadOff, SmartLoadOn, state)
	}
	if c.stationID() == 0 {
		return &InitError{Msg: "client not initialized"}
	}

	params := url.Values{}
	params.Set("stationId", strconv.FormatInt(c.stationID(), 10))
	params.Set("loadPath", strconv.Itoa(loadPath))
	params.Set("manualSwitch", strconv.Itoa(state))

	req, err := c.newPatchQueryRequest(ctx, "device/tp-device/smart-loads/control-mode/manual/switch", params)
	if err != nil {
		return err
	}
	if err := c.doRequest(req, nil); err != nil {
		return err
	}

	log.Ctx(ctx).InfoContext(ctx, "set smart load state",
		slog.Int("path", loadPath), slog.Int("state", state))
	return nil
}

// EnableSmartLoad switches the load at loadPath on.
func (c *Client) EnableSmartLoad(ctx context.Context, loadPath int) error {
	return c.SetSmartLoadState(ctx, loadPath, SmartLoadOn)
}

// DisableSmartLoad switches the load at loadPath off.
func (c *Client) DisableSmartLoad(ctx context.Context, loadPath int) error {
	return c.SetSmartLoadState(ctx, loadPath, SmartLoadOff)
}
