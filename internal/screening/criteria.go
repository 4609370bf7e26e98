package screening

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Criteria is the filter body of POST /screen. The orchestration layer
// passes it around as raw JSON and never interprets it.
type Criteria struct {
	Strategy     string   `json:"strategy"`
	Industry     string   `json:"industry,omitempty"`
	PEMin        *float64 `json:"peMin,omitempty"`
	PEMax        *float64 `json:"peMax,omitempty"`
	PBMin        *float64 `json:"pbMin,omitempty"`
	PBMax        *float64 `json:"pbMax,omitempty"`
	MarketCapMin *float64 `json:"marketCapMin,omitempty"`
	ChangeType   string   `json:"changeType,omitempty"`
}

// Preset is a client-side strategy default
type Preset struct {
	Key    string
	Name   string
	Detail string
	PEMin  float64
	PEMax  float64
}

// Presets mirror the strategies offered on the screening page
var Presets = []Preset{
	{Key: "conservative", Name: "稳健型", Detail: "bear market, PE 15-30", PEMin: 15, PEMax: 30},
	{Key: "balanced", Name: "平衡型", Detail: "range-bound market, PE 10-40", PEMin: 10, PEMax: 40},
	{Key: "growth", Name: "成长型", Detail: "bull market, PE 0-50", PEMin: 0, PEMax: 50},
}

// FindPreset looks a preset up by key or by its service name
func FindPreset(name string) (Preset, bool) {
	for _, p := range Presets {
		if strings.EqualFold(p.Key, name) || p.Name == name {
			return p, true
		}
	}
	return Preset{}, false
}

func float(v float64) *float64 {
	return &v
}

// NewCriteria fills criteria from a preset the same way the web client did
func NewCriteria(p Preset, industry string, marketCapMin float64, changeType string) Criteria {
	if industry == "" {
		industry = "全部"
	}
	if changeType == "" {
		changeType = "all"
	}
	return Criteria{
		Strategy:     p.Name,
		Industry:     industry,
		PEMin:        float(p.PEMin),
		PEMax:        float(p.PEMax),
		PBMin:        float(0),
		PBMax:        float(10),
		MarketCapMin: float(marketCapMin),
		ChangeType:   changeType,
	}
}

// SetPE overrides the PE range of the preset
func (c *Criteria) SetPE(min, max float64) {
	c.PEMin = float(min)
	c.PEMax = float(max)
}

// Raw encodes the criteria for submission
func (c Criteria) Raw() (json.RawMessage, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal criteria: %w", err)
	}
	return data, nil
}

// Describe renders submitted criteria for history listings. Unknown
// shapes fall back to the raw JSON.
func Describe(raw json.RawMessage) string {
	var c Criteria
	if len(raw) == 0 || json.Unmarshal(raw, &c) != nil || c.Strategy == "" {
		return string(raw)
	}

	parts := []string{c.Strategy}
	if c.Industry != "" {
		parts = append(parts, c.Industry)
	}
	if c.PEMin != nil && c.PEMax != nil {
		parts = append(parts, fmt.Sprintf("PE %g-%g", *c.PEMin, *c.PEMax))
	}
	if c.MarketCapMin != nil {
		parts = append(parts, fmt.Sprintf(">%g亿", *c.MarketCapMin))
	}
	switch c.ChangeType {
	case "up":
		parts = append(parts, "rising")
	case "down":
		parts = append(parts, "falling")
	}
	return strings.Join(parts, " | ")
}
