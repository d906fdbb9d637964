package sigen

// Region selects which regional Sigenergy cloud deployment the client talks
// to. The account must exist in that region.
type Region string

const (
	RegionEU   Region = "eu"
	RegionCN   Region = "cn"
	RegionAPAC Region = "apac"
	RegionUS   Region = "us"
)

var regionBaseURLs = map[Region]string{
	RegionEU:   "https://api-eu.sigencloud.com/",
	RegionCN:   "https://api-cn.sigencloud.com/",
	RegionAPAC: "https://api-apac.sigencloud.com/",
	RegionUS:   "https://api-us.sigencloud.com/",
}

// MQTT brokers follow the same regional pattern, TLS on 8883.
var regionBrokers = map[Region]string{
	RegionEU:   "mqtt-eu.sigencloud.com",
	RegionCN:   "mqtt-cn.sigencloud.com",
	RegionAPAC: "mqtt-apac.sigencloud.com",
	RegionUS:   "mqtt-us.sigencloud.com",
}

const brokerPort = 8883

// Regions returns the supported region tags.
func Regions() []Region {
	return []Region{RegionEU, RegionCN, RegionAPAC, RegionUS}
}

// BaseURL returns the API base URL for the region, or "" if unknown.
func (r Region) BaseURL() string {
	return regionBaseURLs[r]
}

// Broker returns the MQTT broker host for the region, or "" if unknown.
func (r Region) Broker() string {
	return regionBrokers[r]
}
