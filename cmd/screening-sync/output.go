package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/kelsos/screening-sync/internal/models"
	"github.com/kelsos/screening-sync/internal/screening"
	"github.com/kelsos/screening-sync/internal/services"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("62"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers(headers...)
}

func field(fields map[string]any, key string) string {
	switch v := fields[key].(type) {
	case nil:
		return "-"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func printResults(results []json.RawMessage) {
	t := newTable("Code", "Name", "Price", "Change %", "PE", "Industry")
	for _, raw := range results {
		var fields map[string]any
		if json.Unmarshal(raw, &fields) != nil {
			continue
		}
		t.Row(field(fields, "code"), field(fields, "name"), field(fields, "price"),
			field(fields, "change"), field(fields, "pe"), field(fields, "industry"))
	}
	fmt.Println(t)
}

func printResult(result *services.Result) {
	summary := result.Report.Summary
	fmt.Println(headerStyle.Render(fmt.Sprintf("Task %s completed", result.Outcome.TaskID)))
	fmt.Printf("Results: %d | Average change: %.2f%% | Top: %s\n",
		summary.ResultCount, summary.AvgChange, strings.Join(summary.TopStocks, ", "))

	switch {
	case result.Report.Degraded != nil:
		fmt.Println(warnStyle.Render("History could not reach the service and was stored locally"))
	case result.Report.Record != nil:
		fmt.Println(mutedStyle.Render(fmt.Sprintf("Saved as history record %d", result.Report.Record.ID)))
	}
}

func printHistoryPage(page models.HistoryPage) {
	t := newTable("ID", "Time", "Criteria", "Results", "Avg change %", "Top")
	for _, r := range page.Items {
		ts := r.Timestamp
		if ts.IsZero() {
			ts = r.CreatedAt
		}
		t.Row(strconv.FormatInt(r.ID, 10), ts.Local().Format("2006-01-02 15:04"), screening.Describe(r.Criteria),
			strconv.Itoa(r.ResultCount), fmt.Sprintf("%.2f", r.AvgChange), strings.Join(r.TopStocks, ", "))
	}
	fmt.Println(t)
	fmt.Println(mutedStyle.Render(fmt.Sprintf("Page %d/%d, %d records", page.Page, max(page.TotalPages, 1), page.Total)))
}

func printHistoryRecord(r models.HistoryRecord) {
	fmt.Println(headerStyle.Render(fmt.Sprintf("History record %d", r.ID)))
	fmt.Printf("Criteria: %s\n", screening.Describe(r.Criteria))
	fmt.Printf("Results: %d | Average change: %.2f%% | Top: %s\n",
		r.ResultCount, r.AvgChange, strings.Join(r.TopStocks, ", "))
	printResults(r.Results)
}

func printStatus(resp *models.TaskStatusResponse) {
	line := fmt.Sprintf("%s\t%s\t%.1f%%", resp.TaskID, resp.Status, resp.Progress)
	if resp.Error != "" {
		line += "\t" + resp.Error
	}
	fmt.Println(line)
}
