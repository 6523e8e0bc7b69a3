// Package host is the framework side of the storage-engine contract: it
// classifies keys as binary or structured, turns caller values into the
// engine's tagged Value, and drives periodic maintenance.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sqlitekv/sqlitekv/internal/observability"
	"github.com/sqlitekv/sqlitekv/internal/storage"
)

// ErrNotBinary is returned when a binary key is given a non-byte value.
var ErrNotBinary = errors.New("binary key requires a byte value")

// Storage routes calls to an engine.
type Storage struct {
	engine storage.Engine
	log    *observability.Logger
}

// New creates a Storage.
func New(engine storage.Engine, log *observability.Logger) *Storage {
	if log == nil {
		log = observability.Discard()
	}
	return &Storage{engine: engine, log: log}
}

// IsBinaryKey reports whether values under key are stored as raw bytes. The
// engine owns the rule, so Put and Get always agree.
func (s *Storage) IsBinaryKey(key string) bool {
	return s.engine.IsBinaryKey(key)
}

// Put stores v. Binary keys take []byte or string; all other keys take any
// JSON-serializable value.
func (s *Storage) Put(ctx context.Context, key string, v any) error {
	val, err := s.toValue(key, v)
	if err != nil {
		return err
	}
	return s.engine.Put(ctx, key, val)
}

func (s *Storage) toValue(key string, v any) (storage.Value, error) {
	if !s.IsBinaryKey(key) {
		return storage.Structured(v), nil
	}
	switch b := v.(type) {
	case []byte:
		return storage.Binary(b), nil
	case string:
		return storage.Binary([]byte(b)), nil
	default:
		return storage.Value{}, fmt.Errorf("put %q: %w (got %T)", key, ErrNotBinary, v)
	}
}

// Get returns []byte for binary keys and the decoded JSON otherwise.
func (s *Storage) Get(ctx context.Context, key string) (any, error) {
	v, err := s.engine.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if v.Kind == storage.KindBinary {
		return v.Bytes, nil
	}
	return v.Data, nil
}

// GetValue returns the engine's tagged value.
func (s *Storage) GetValue(ctx context.Context, key string) (storage.Value, error) {
	return s.engine.Get(ctx, key)
}

// Head returns metadata for key.
func (s *Storage) Head(ctx context.Context, key string) (storage.Metadata, error) {
	return s.engine.Head(ctx, key)
}

// Delete removes key.
func (s *Storage) Delete(ctx context.Context, key string) error {
	return s.engine.Delete(ctx, key)
}

// PutStream stores everything read from src under key.
func (s *Storage) PutStream(ctx context.Context, key string, src io.Reader) error {
	return s.engine.PutStream(ctx, key, src)
}

// GetStream returns a reader over the value under key.
func (s *Storage) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.engine.GetStream(ctx, key)
}

// RunMaintenanceLoop calls the engine's RunMaintenance every interval until
// ctx is cancelled.
func (s *Storage) RunMaintenanceLoop(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.engine.RunMaintenance(ctx); err != nil {
				s.log.Warn("maintenance failed", "error", err.Error())
				continue
			}
			s.log.Debug("maintenance complete")
		}
	}
}

// Shutdown closes the engine.
func (s *Storage) Shutdown() {
	s.log.Info("shutting down storage")
	s.engine.Close()
}
