package history

import (
	"context"
	"fmt"

	"github.com/kelsos/screening-sync/internal/fallback"
	"github.com/kelsos/screening-sync/internal/models"
)

// Backend is implemented by both the remote client and the local store
type Backend interface {
	Save(ctx context.Context, record models.HistoryRecord) (models.HistoryRecord, error)
	List(ctx context.Context, page, pageSize int) (models.HistoryPage, error)
	Get(ctx context.Context, id int64) (models.HistoryRecord, error)
	Delete(ctx context.Context, id int64) error
	Clear(ctx context.Context) (int, error)
}

// Service routes every history operation to the remote collaborator and
// falls back to the local store when it fails. Errors follow
// fallback.RemoteThenLocal: a result returned with a PersistenceDegraded
// error comes from the local store.
type Service struct {
	remote Backend
	local  Backend
}

func NewService(remote, local Backend) *Service {
	return &Service{remote: remote, local: local}
}

func (s *Service) Save(ctx context.Context, record models.HistoryRecord) (models.HistoryRecord, error) {
	if len(record.Results) > ResultLimit {
		record.Results = record.Results[:ResultLimit]
	}
	return fallback.RemoteThenLocal(ctx, "history save",
		func(ctx context.Context) (models.HistoryRecord, error) { return s.remote.Save(ctx, record) },
		func() (models.HistoryRecord, error) { return s.local.Save(ctx, record) },
	)
}

func (s *Service) List(ctx context.Context, page, pageSize int) (models.HistoryPage, error) {
	return fallback.RemoteThenLocal(ctx, "history list",
		func(ctx context.Context) (models.HistoryPage, error) { return s.remote.List(ctx, page, pageSize) },
		func() (models.HistoryPage, error) { return s.local.List(ctx, page, pageSize) },
	)
}

func (s *Service) Get(ctx context.Context, id int64) (models.HistoryRecord, error) {
	return fallback.RemoteThenLocal(ctx, fmt.Sprintf("history get %d", id),
		func(ctx context.Context) (models.HistoryRecord, error) { return s.remote.Get(ctx, id) },
		func() (models.HistoryRecord, error) { return s.local.Get(ctx, id) },
	)
}

func (s *Service) Delete(ctx context.Context, id int64) error {
	return fallback.Do(ctx, fmt.Sprintf("history delete %d", id),
		func(ctx context.Context) error { return s.remote.Delete(ctx, id) },
		func() error { return s.local.Delete(ctx, id) },
	)
}

// Clear purges the remote and the local history together and returns the
// number of records removed from the remote side, or from the local side
// when the remote purge failed.
func (s *Service) Clear(ctx context.Context) (int, error) {
	var remoteCount, localCount int
	err := fallback.Mirror(ctx, "history clear",
		func(ctx context.Context) (err error) {
			remoteCount, err = s.remote.Clear(ctx)
			return err
		},
		func() (err error) {
			localCount, err = s.local.Clear(ctx)
			return err
		},
	)
	if fallback.Usable(err) && err != nil {
		return localCount, err
	}
	return remoteCount, err
}
