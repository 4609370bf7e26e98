package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryRecordDecodesServiceTimestamps(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want time.Time
	}{
		{"naive with fraction", `"2025-03-01T09:30:00.123456"`, time.Date(2025, 3, 1, 9, 30, 0, 123456000, time.Local)},
		{"naive without fraction", `"2025-03-01T09:30:00"`, time.Date(2025, 3, 1, 9, 30, 0, 0, time.Local)},
		{"space separated", `"2025-03-01 09:30:00"`, time.Date(2025, 3, 1, 9, 30, 0, 0, time.Local)},
		{"rfc3339", `"2025-03-01T09:30:00Z"`, time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r HistoryRecord
			require.NoError(t, json.Unmarshal([]byte(`{"id":1,"timestamp":`+tt.in+`,"created_at":`+tt.in+`}`), &r))
			assert.True(t, tt.want.Equal(r.Timestamp.Time), "got %v", r.Timestamp.Time)
			assert.True(t, tt.want.Equal(r.CreatedAt.Time))
		})
	}
}

func TestHistoryRecordTimestampNullAndRoundTrip(t *testing.T) {
	var r HistoryRecord
	require.NoError(t, json.Unmarshal([]byte(`{"id":1,"timestamp":null}`), &r))
	assert.True(t, r.Timestamp.IsZero())
	assert.True(t, r.CreatedAt.IsZero())

	now := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	r.Timestamp = Timestamp{Time: now}
	data, err := json.Marshal(r)
	require.NoError(t, err)

	var back HistoryRecord
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, now.Equal(back.Timestamp.Time))
}

func TestHistoryRecordRejectsGarbageTimestamp(t *testing.T) {
	var r HistoryRecord
	assert.Error(t, json.Unmarshal([]byte(`{"timestamp":"yesterday"}`), &r))
}
