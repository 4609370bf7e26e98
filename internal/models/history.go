package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// naive layouts sent by the service for columns stored without a zone
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Timestamp decodes RFC 3339 as well as zone-less ISO 8601 times, which
// are read in the local zone
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}

	if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = parsed
		return nil
	}
	for _, layout := range naiveLayouts {
		if parsed, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unsupported timestamp %q", s)
}

// HistoryRecord is the retained summary of one completed screening
type HistoryRecord struct {
	ID          int64             `json:"id,omitempty"`
	Timestamp   Timestamp         `json:"timestamp"`
	Criteria    json.RawMessage   `json:"criteria"`
	ResultCount int               `json:"result_count"`
	AvgChange   float64           `json:"avg_change"`
	TopStocks   []string          `json:"top_stocks"`
	Results     []json.RawMessage `json:"results"`
	CreatedAt   Timestamp         `json:"created_at"`
}

type HistoryPage struct {
	Items      []HistoryRecord `json:"items"`
	Total      int             `json:"total"`
	Page       int             `json:"page"`
	PageSize   int             `json:"pageSize"`
	TotalPages int             `json:"totalPages"`
}

// HistoryCreate is the body of a history save request
type HistoryCreate struct {
	Criteria    json.RawMessage   `json:"criteria"`
	ResultCount int               `json:"result_count"`
	AvgChange   float64           `json:"avg_change"`
	TopStocks   []string          `json:"top_stocks"`
	Results     []json.RawMessage `json:"results"`
}

type HistoryDeleteResponse struct {
	Message string `json:"message"`
	ID      int64  `json:"id"`
}

type HistoryClearResponse struct {
	Message      string `json:"message"`
	DeletedCount int    `json:"deleted_count"`
}
