package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kelsos/screening-sync/internal/logger"
	"github.com/kelsos/screening-sync/internal/models"
	"github.com/kelsos/screening-sync/internal/storage"
)

// Key is the durable key holding the local history, newest first
const Key = "screening.history"

// ResultLimit is the number of results kept per record
const ResultLimit = 10

var ErrNotFound = errors.New("history record not found")

// LocalStore keeps history records in the durable scope of the bridge
type LocalStore struct {
	bridge   *storage.Bridge
	capacity int
	now      func() time.Time
	log      *logger.Logger

	mu sync.Mutex
}

func NewLocalStore(bridge *storage.Bridge, capacity int) *LocalStore {
	if capacity <= 0 {
		capacity = 100
	}
	return &LocalStore{
		bridge:   bridge,
		capacity: capacity,
		now:      time.Now,
		log:      logger.With("history-local"),
	}
}

func (l *LocalStore) decode(raw string, exists bool) []models.HistoryRecord {
	if !exists || raw == "" {
		return nil
	}

	var records []models.HistoryRecord
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		l.log.Warn("Discarding unreadable local history: %v", err)
		return nil
	}
	return records
}

func (l *LocalStore) load(ctx context.Context) ([]models.HistoryRecord, error) {
	raw, ok, err := l.bridge.GetDurable(ctx, Key)
	if err != nil {
		return nil, err
	}
	return l.decode(raw, ok), nil
}

func encode(records []models.HistoryRecord) (string, error) {
	data, err := json.Marshal(records)
	if err != nil {
		return "", fmt.Errorf("failed to encode history: %w", err)
	}
	return string(data), nil
}

// Save prepends the record and trims the list to capacity. The list is
// updated atomically on stores shared between machines.
func (l *LocalStore) Save(ctx context.Context, record models.HistoryRecord) (models.HistoryRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(record.Results) > ResultLimit {
		record.Results = record.Results[:ResultLimit]
	}

	var saved models.HistoryRecord
	var kept int
	err := l.bridge.UpdateDurable(ctx, Key, func(current string, exists bool) (string, error) {
		records := l.decode(current, exists)

		now := l.now()
		saved = record
		saved.ID = now.UnixMilli()
		if len(records) > 0 && saved.ID <= records[0].ID {
			saved.ID = records[0].ID + 1
		}
		saved.Timestamp = models.Timestamp{Time: now}
		saved.CreatedAt = models.Timestamp{Time: now}

		records = append([]models.HistoryRecord{saved}, records...)
		if len(records) > l.capacity {
			records = records[:l.capacity]
		}
		kept = len(records)
		return encode(records)
	})
	if err != nil {
		return models.HistoryRecord{}, err
	}

	l.log.Debug("Saved history record %d locally (%d kept)", saved.ID, kept)
	return saved, nil
}

func (l *LocalStore) List(ctx context.Context, page, pageSize int) (models.HistoryPage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.load(ctx)
	if err != nil {
		return models.HistoryPage{}, err
	}
	return paginate(records, page, pageSize), nil
}

func (l *LocalStore) Get(ctx context.Context, id int64) (models.HistoryRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.load(ctx)
	if err != nil {
		return models.HistoryRecord{}, err
	}
	for _, r := range records {
		if r.ID == id {
			return r, nil
		}
	}
	return models.HistoryRecord{}, fmt.Errorf("%w: %d", ErrNotFound, id)
}

func (l *LocalStore) Delete(ctx context.Context, id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.bridge.UpdateDurable(ctx, Key, func(current string, exists bool) (string, error) {
		records := l.decode(current, exists)

		kept := make([]models.HistoryRecord, 0, len(records))
		for _, r := range records {
			if r.ID != id {
				kept = append(kept, r)
			}
		}
		if len(kept) == len(records) {
			return "", fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		return encode(kept)
	})
}

// Clear drops the local history and returns how many records it held
func (l *LocalStore) Clear(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.load(ctx)
	if err != nil {
		return 0, err
	}
	if err := l.bridge.RemoveDurable(ctx, Key); err != nil {
		return 0, err
	}
	return len(records), nil
}

func paginate(records []models.HistoryRecord, page, pageSize int) models.HistoryPage {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	total := len(records)
	result := models.HistoryPage{
		Items:      []models.HistoryRecord{},
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: (total + pageSize - 1) / pageSize,
	}

	start := (page - 1) * pageSize
	if start >= total {
		return result
	}
	end := min(start+pageSize, total)
	result.Items = records[start:end]
	return result
}
