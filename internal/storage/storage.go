package storage

import (
	"context"
	"errors"

	apperrors "github.com/kelsos/screening-sync/internal/errors"
)

// Store is a plain string key/value scope
type Store interface {
	// Get returns the value and whether the key exists
	Get(ctx context.Context, key string) (string, bool, error)

	// Set replaces the value of key
	Set(ctx context.Context, key, value string) error

	// Remove deletes key; removing a missing key is not an error
	Remove(ctx context.Context, key string) error
}

// UpdateFunc computes the new value of a key from its current one. It may be
// called more than once when another writer changes the key concurrently.
type UpdateFunc func(current string, exists bool) (string, error)

// Updater is implemented by stores that can replace a value atomically
// with respect to other processes
type Updater interface {
	Update(ctx context.Context, key string, fn UpdateFunc) error
}

// Bridge exposes the session and durable scopes side by side.
// Every failure is reported as a StorageUnavailable error, which callers
// are free to log and ignore.
type Bridge struct {
	session Store
	durable Store
}

// NewBridge creates a bridge over the given scopes
func NewBridge(session, durable Store) *Bridge {
	return &Bridge{session: session, durable: durable}
}

func get(ctx context.Context, s Store, op, key string) (string, bool, error) {
	value, ok, err := s.Get(ctx, key)
	if err != nil {
		return "", false, apperrors.StorageUnavailable(op+" "+key, err)
	}
	return value, ok, nil
}

func set(ctx context.Context, s Store, op, key, value string) error {
	if err := s.Set(ctx, key, value); err != nil {
		return apperrors.StorageUnavailable(op+" "+key, err)
	}
	return nil
}

func remove(ctx context.Context, s Store, op, key string) error {
	if err := s.Remove(ctx, key); err != nil {
		return apperrors.StorageUnavailable(op+" "+key, err)
	}
	return nil
}

func (b *Bridge) GetDurable(ctx context.Context, key string) (string, bool, error) {
	return get(ctx, b.durable, "get durable", key)
}

func (b *Bridge) SetDurable(ctx context.Context, key, value string) error {
	return set(ctx, b.durable, "set durable", key, value)
}

func (b *Bridge) RemoveDurable(ctx context.Context, key string) error {
	return remove(ctx, b.durable, "remove durable", key)
}

func (b *Bridge) GetSession(ctx context.Context, key string) (string, bool, error) {
	return get(ctx, b.session, "get session", key)
}

func (b *Bridge) SetSession(ctx context.Context, key, value string) error {
	return set(ctx, b.session, "set session", key, value)
}

func (b *Bridge) RemoveSession(ctx context.Context, key string) error {
	return remove(ctx, b.session, "remove session", key)
}

// UpdateDurable replaces a durable value computed from the current one.
// Stores implementing Updater do it atomically; others fall back to a read
// followed by a write. Errors returned by fn are passed through unwrapped.
func (b *Bridge) UpdateDurable(ctx context.Context, key string, fn UpdateFunc) error {
	var fnErr error
	guarded := func(current string, exists bool) (string, error) {
		value, err := fn(current, exists)
		fnErr = err
		return value, err
	}

	if u, ok := b.durable.(Updater); ok {
		err := u.Update(ctx, key, guarded)
		if err != nil && fnErr != nil && errors.Is(err, fnErr) {
			return fnErr
		}
		if err != nil {
			return apperrors.StorageUnavailable("update durable "+key, err)
		}
		return nil
	}

	current, exists, err := get(ctx, b.durable, "update durable", key)
	if err != nil {
		return err
	}
	value, err := guarded(current, exists)
	if err != nil {
		return err
	}
	return set(ctx, b.durable, "update durable", key, value)
}
