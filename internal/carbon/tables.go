// internal/carbon/tables.go
package carbon

import (
	"maps"
	"strings"
)

// DefaultRegion is the catch-all key of the regional averages table.
const DefaultRegion = "default"

// Tables holds the static region mappings. Resolver copies them at
// construction and never mutates them afterwards.
type Tables struct {
	// BalancingAuthorities maps region to WattTime balancing authority
	BalancingAuthorities map[string]string `yaml:"balancing_authorities"`

	// DefaultBA is used for primary-prefixed regions missing from the map
	DefaultBA string `yaml:"default_ba"`

	// Zones maps region to Electricity Maps zone
	Zones map[string]string `yaml:"zones"`

	// DefaultZone is used for regions missing from Zones
	DefaultZone string `yaml:"default_zone"`

	// RegionalAverages maps region to gCO2/kWh; must contain "default"
	RegionalAverages map[string]float64 `yaml:"regional_averages"`
}

// DefaultTables returns the built-in mappings and US EPA 2023 style averages.
func DefaultTables() Tables {
	return Tables{
		BalancingAuthorities: map[string]string{
			"us-east":    "PJM",
			"us-west":    "CAISO",
			"us-midwest": "MISO",
			"us-texas":   "ERCO",
		},
		DefaultBA: "PJM",
		Zones: map[string]string{
			"us-east":    "US-NY",
			"us-west":    "US-CAL-CISO",
			"us-midwest": "US-MIDW-MISO",
			"us-texas":   "US-TEX-ERCO",
			"eu-central": "DE",
			"eu-north":   "SE",
			"eu-west":    "FR",
		},
		DefaultZone: "US-NY",
		RegionalAverages: map[string]float64{
			"us-east":    380.5,
			"us-west":    245.3,
			"us-midwest": 520.8,
			"us-texas":   412.6,
			"eu-central": 295.4,
			"eu-north":   45.2,
			"eu-west":    210.6,
			"asia-east":  641.2,
			"default":    429.0,
		},
	}
}

// Clone returns a deep copy.
func (t Tables) Clone() Tables {
	t.BalancingAuthorities = maps.Clone(t.BalancingAuthorities)
	t.Zones = maps.Clone(t.Zones)
	t.RegionalAverages = maps.Clone(t.RegionalAverages)
	return t
}

// BalancingAuthority returns the WattTime code for region.
func (t Tables) BalancingAuthority(region string) string {
	if ba, ok := t.BalancingAuthorities[normalizeRegion(region)]; ok {
		return ba
	}
	return t.DefaultBA
}

// Zone returns the Electricity Maps zone for region.
func (t Tables) Zone(region string) string {
	if zone, ok := t.Zones[normalizeRegion(region)]; ok {
		return zone
	}
	return t.DefaultZone
}

// Average returns the table intensity for region and whether it came from
// the region's own row (true) or the default row (false).
func (t Tables) Average(region string) (float64, bool) {
	if v, ok := t.RegionalAverages[normalizeRegion(region)]; ok && normalizeRegion(region) != DefaultRegion {
		return v, true
	}
	return t.RegionalAverages[DefaultRegion], false
}

// Known reports whether region has a row in the averages table.
func (t Tables) Known(region string) bool {
	_, ok := t.Average(region)
	return ok
}

func normalizeRegion(region string) string {
	return strings.ToLower(strings.TrimSpace(region))
}
