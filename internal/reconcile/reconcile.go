package reconcile

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kelsos/screening-sync/internal/async"
	apperrors "github.com/kelsos/screening-sync/internal/errors"
	"github.com/kelsos/screening-sync/internal/logger"
	"github.com/kelsos/screening-sync/internal/models"
	"github.com/kelsos/screening-sync/internal/storage"
)

// SessionKey holds the last completed result set for this process
const SessionKey = "screening.results"

// SessionResultSet is written in one piece; the previous value is replaced, never merged
type SessionResultSet struct {
	Results  []json.RawMessage `json:"results"`
	Criteria json.RawMessage   `json:"criteria"`
}

// HistorySaver persists history records, remote first
type HistorySaver interface {
	Save(ctx context.Context, record models.HistoryRecord) (models.HistoryRecord, error)
}

type Options struct {
	ChangeField  string
	LabelField   string
	TopN         int
	HistoryLimit int
}

func (o Options) withDefaults() Options {
	if o.ChangeField == "" {
		o.ChangeField = "change"
	}
	if o.LabelField == "" {
		o.LabelField = "name"
	}
	if o.TopN <= 0 {
		o.TopN = 3
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 10
	}
	return o
}

// Report describes how a completed task was persisted
type Report struct {
	TaskID  string
	Summary Summary
	// Record is the stored history record; nil when persistence was lost
	Record *models.HistoryRecord
	// SessionErr is set when the session write failed; it is not fatal
	SessionErr error
	// Degraded is set when the record only reached local storage
	Degraded error
	// Err is set when the record could not be stored anywhere
	Err error
}

type Reconciler struct {
	bridge  *storage.Bridge
	history HistorySaver
	opts    Options
	log     *logger.Logger
}

func NewReconciler(bridge *storage.Bridge, history HistorySaver, opts Options) *Reconciler {
	return &Reconciler{
		bridge:  bridge,
		history: history,
		opts:    opts.withDefaults(),
		log:     logger.With("reconciler"),
	}
}

// Reconcile stores a completed outcome. The summary and the session write
// happen before it returns; the history record is saved in the background
// and reported on the returned channel, which yields exactly one Report.
func (r *Reconciler) Reconcile(ctx context.Context, outcome *async.Outcome) <-chan Report {
	reports := make(chan Report, 1)

	summary := Summarize(outcome.Results, r.opts.ChangeField, r.opts.LabelField, r.opts.TopN)
	r.log.Info("Task %s: %d results, average change %.2f", outcome.TaskID, summary.ResultCount, summary.AvgChange)

	report := Report{TaskID: outcome.TaskID, Summary: summary}

	if err := r.writeSession(ctx, outcome); err != nil {
		r.log.Warn("Failed to store session results for task %s: %v", outcome.TaskID, err)
		report.SessionErr = err
	}

	results := outcome.Results
	if len(results) > r.opts.HistoryLimit {
		results = results[:r.opts.HistoryLimit]
	}
	record := models.HistoryRecord{
		Criteria:    outcome.Criteria,
		ResultCount: summary.ResultCount,
		AvgChange:   summary.AvgChange,
		TopStocks:   summary.TopStocks,
		Results:     results,
	}

	go func() {
		defer close(reports)

		saved, err := r.history.Save(ctx, record)
		switch {
		case err == nil:
			report.Record = &saved
		case apperrors.IsPersistenceDegraded(err):
			r.log.Warn("History for task %s stored locally only: %v", outcome.TaskID, err)
			report.Record = &saved
			report.Degraded = err
		default:
			r.log.Error("History for task %s was lost: %v", outcome.TaskID, err)
			report.Err = err
		}
		reports <- report
	}()

	return reports
}

func (r *Reconciler) writeSession(ctx context.Context, outcome *async.Outcome) error {
	results := outcome.Results
	if results == nil {
		results = []json.RawMessage{}
	}
	data, err := json.Marshal(SessionResultSet{Results: results, Criteria: outcome.Criteria})
	if err != nil {
		return fmt.Errorf("failed to encode session results: %w", err)
	}
	return r.bridge.SetSession(ctx, SessionKey, string(data))
}

// SessionResults reads back the last completed result set of this process
func (r *Reconciler) SessionResults(ctx context.Context) (*SessionResultSet, bool, error) {
	raw, ok, err := r.bridge.GetSession(ctx, SessionKey)
	if err != nil || !ok {
		return nil, false, err
	}

	var set SessionResultSet
	if err := json.Unmarshal([]byte(raw), &set); err != nil {
		return nil, false, fmt.Errorf("failed to decode session results: %w", err)
	}
	return &set, true, nil
}
