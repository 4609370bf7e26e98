package history

import (
	"context"
	"fmt"
	"strconv"

	"github.com/kelsos/screening-sync/internal/client"
	"github.com/kelsos/screening-sync/internal/logger"
	"github.com/kelsos/screening-sync/internal/models"
)

const historyEndpoint = "/screening-history"

// RemoteClient talks to the remote history collaborator
type RemoteClient struct {
	api *client.APIClient
	log *logger.Logger
}

func NewRemoteClient(api *client.APIClient) *RemoteClient {
	return &RemoteClient{
		api: api,
		log: logger.With("history-remote"),
	}
}

func recordEndpoint(id int64) string {
	return fmt.Sprintf("%s/%d", historyEndpoint, id)
}

func (r *RemoteClient) Save(ctx context.Context, record models.HistoryRecord) (models.HistoryRecord, error) {
	body := models.HistoryCreate{
		Criteria:    record.Criteria,
		ResultCount: record.ResultCount,
		AvgChange:   record.AvgChange,
		TopStocks:   record.TopStocks,
		Results:     record.Results,
	}

	var saved models.HistoryRecord
	if err := r.api.Post(ctx, historyEndpoint, body, &saved); err != nil {
		return models.HistoryRecord{}, fmt.Errorf("failed to save history: %w", err)
	}

	r.log.Debug("Saved history record %d", saved.ID)
	return saved, nil
}

func (r *RemoteClient) List(ctx context.Context, page, pageSize int) (models.HistoryPage, error) {
	endpoint := client.BuildURLWithParams(historyEndpoint, map[string]string{
		"page":     strconv.Itoa(page),
		"pageSize": strconv.Itoa(pageSize),
	})

	var result models.HistoryPage
	if err := r.api.Get(ctx, endpoint, &result); err != nil {
		return models.HistoryPage{}, fmt.Errorf("failed to list history: %w", err)
	}
	return result, nil
}

func (r *RemoteClient) Get(ctx context.Context, id int64) (models.HistoryRecord, error) {
	var record models.HistoryRecord
	if err := r.api.Get(ctx, recordEndpoint(id), &record); err != nil {
		return models.HistoryRecord{}, fmt.Errorf("failed to get history record %d: %w", id, err)
	}
	return record, nil
}

func (r *RemoteClient) Delete(ctx context.Context, id int64) error {
	var response models.HistoryDeleteResponse
	if err := r.api.Delete(ctx, recordEndpoint(id), &response); err != nil {
		return fmt.Errorf("failed to delete history record %d: %w", id, err)
	}
	return nil
}

// Clear removes every remote record and returns how many were deleted
func (r *RemoteClient) Clear(ctx context.Context) (int, error) {
	var response models.HistoryClearResponse
	if err := r.api.Delete(ctx, historyEndpoint, &response); err != nil {
		return 0, fmt.Errorf("failed to clear history: %w", err)
	}
	r.log.Info("Remote history cleared: %s", response.Message)
	return response.DeletedCount, nil
}
