package fallback

import (
	"context"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/kelsos/screening-sync/internal/errors"
	"github.com/kelsos/screening-sync/internal/logger"
)

var log = logger.With("fallback")

// RemoteThenLocal tries the remote operation first and falls back to the
// local one when it fails.
//
// A remote success returns its value with a nil error. A remote failure
// rescued by the local operation returns the local value together with a
// PersistenceDegraded error, so callers can tell the user the data only
// lives on this machine. When both fail the error is PersistenceLost and
// carries both causes.
func RemoteThenLocal[T any](ctx context.Context, resource string, remote func(context.Context) (T, error), local func() (T, error)) (T, error) {
	value, remoteErr := remote(ctx)
	if remoteErr == nil {
		return value, nil
	}

	log.Warn("Remote %s failed, using local storage: %v", resource, remoteErr)

	value, localErr := local()
	if localErr != nil {
		var zero T
		return zero, classify(resource, remoteErr, localErr)
	}

	return value, classify(resource, remoteErr, nil)
}

func classify(resource string, remoteErr, localErr error) error {
	switch {
	case remoteErr == nil:
		return nil
	case localErr == nil:
		return apperrors.PersistenceDegraded(resource, remoteErr)
	default:
		log.Error("Local %s failed as well: %v", resource, localErr)
		return apperrors.PersistenceLost(resource, remoteErr, localErr)
	}
}

// Mirror runs the remote and local operations concurrently, for writes
// that must reach both sides such as purges. Errors are classified the same
// way as RemoteThenLocal; a local failure alone is only logged.
func Mirror(ctx context.Context, resource string, remote func(context.Context) error, local func() error) error {
	var remoteErr, localErr error

	// both sides always run to completion, a failure on one must not cancel the other
	var g errgroup.Group
	g.Go(func() error {
		remoteErr = remote(ctx)
		return nil
	})
	g.Go(func() error {
		localErr = local()
		return nil
	})
	g.Wait()

	if remoteErr != nil {
		log.Warn("Remote %s failed: %v", resource, remoteErr)
	} else if localErr != nil {
		log.Warn("Local %s failed: %v", resource, localErr)
	}
	return classify(resource, remoteErr, localErr)
}

// Do is RemoteThenLocal for operations without a result
func Do(ctx context.Context, resource string, remote func(context.Context) error, local func() error) error {
	_, err := RemoteThenLocal(ctx, resource,
		func(ctx context.Context) (struct{}, error) { return struct{}{}, remote(ctx) },
		func() (struct{}, error) { return struct{}{}, local() },
	)
	return err
}

// Usable reports whether a result returned alongside err can be used
func Usable(err error) bool {
	return err == nil || apperrors.IsPersistenceDegraded(err)
}
