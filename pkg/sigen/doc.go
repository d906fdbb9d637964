// Package sigen is a client for the Sigenergy cloud API.
//
// A Client is constructed with account credentials and a region, then
// initialized once before use. Initialization authenticates, resolves the
// account's station and discovers the operational modes the station supports:
//
//	c, err := sigen.NewClient("user@example.com", "password", sigen.RegionEU)
//	if err != nil {
//		// unknown region or bad construction input
//	}
//	if err := c.Initialize(ctx); err != nil {
//		// login or discovery failed
//	}
//	flow, err := c.GetEnergyFlow(ctx)
//
// Every operation ensures a valid OAuth session first, refreshing (and, if
// the refresh token was revoked, re-logging-in) as needed. Concurrent calls
// on one Client share a single session; at most one refresh is in flight at
// a time.
//
// The Northbound type covers the separate developer ("northbound") API, and
// Telemetry streams real-time data over the vendor's MQTT brokers.
package sigen
