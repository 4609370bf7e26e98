package reconcile

import (
	"encoding/json"
	"strconv"
)

// Summary is the aggregate of a completed result set
type Summary struct {
	ResultCount int
	AvgChange   float64
	TopStocks   []string
}

// Summarize computes the summary from the results alone. Results without a
// numeric change field count as zero in the mean; the top labels are taken
// from the first topN results in service order.
func Summarize(results []json.RawMessage, changeField, labelField string, topN int) Summary {
	summary := Summary{
		ResultCount: len(results),
		TopStocks:   []string{},
	}
	if len(results) == 0 {
		return summary
	}

	var total float64
	for i, raw := range results {
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			continue
		}
		total += number(fields[changeField])
		if i < topN {
			if label, ok := fields[labelField].(string); ok {
				summary.TopStocks = append(summary.TopStocks, label)
			}
		}
	}

	summary.AvgChange = total / float64(len(results))
	return summary
}

func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f
		}
	}
	return 0
}
