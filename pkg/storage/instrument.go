package storage

import (
	"context"
	"errors"
	"time"

	"github.com/harun/personakit/internal/observability"
	"github.com/harun/personakit/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "personakit/storage"

// instrumented wraps a backend with spans, metrics and audit records
type instrumented struct {
	next    Adapter
	backend string
	logger  zerolog.Logger
}

// Instrument decorates a backend with tracing, Prometheus timings and audit
// records for mutating operations.
func Instrument(next Adapter, backend string, logger zerolog.Logger) Adapter {
	observability.EnsureRegistered()
	return &instrumented{next: next, backend: backend, logger: logger}
}

// Unwrap returns the decorated backend
func (i *instrumented) Unwrap() Adapter {
	return i.next
}

func (i *instrumented) observe(ctx context.Context, op, key string, fn func(ctx context.Context) error) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "storage."+op,
		attribute.String("storage.backend", i.backend),
		attribute.String("storage.key", key),
	)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	observability.RecordStorageOperation(i.backend, op, time.Since(start), err)

	if err != nil && !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log := tracing.LoggerFromContext(ctx, i.logger)
		log.Warn().
			Err(err).
			Str("backend", i.backend).
			Str("operation", op).
			Str("key", key).
			Msg("Storage operation failed")
	}
	return err
}

func (i *instrumented) audit(ctx context.Context, op, key string, err error) {
	action := op
	if key != "" {
		action += ":" + key
	}
	observability.RecordStorageAudit(ctx, action, tracing.GetSessionID(ctx), err)
}

func (i *instrumented) Save(ctx context.Context, path, content string, opts SaveOptions) error {
	err := i.observe(ctx, "save", path, func(ctx context.Context) error {
		return i.next.Save(ctx, path, content, opts)
	})
	i.audit(ctx, "save", path, err)
	return err
}

func (i *instrumented) SaveBatch(ctx context.Context, objects []Object) error {
	err := i.observe(ctx, "save_batch", "", func(ctx context.Context) error {
		return i.next.SaveBatch(ctx, objects)
	})
	i.audit(ctx, "save_batch", "", err)
	return err
}

func (i *instrumented) Load(ctx context.Context, path string) (string, error) {
	var content string
	err := i.observe(ctx, "load", path, func(ctx context.Context) error {
		var err error
		content, err = i.next.Load(ctx, path)
		return err
	})
	return content, err
}

func (i *instrumented) Exists(ctx context.Context, path string) (bool, error) {
	var ok bool
	err := i.observe(ctx, "exists", path, func(ctx context.Context) error {
		var err error
		ok, err = i.next.Exists(ctx, path)
		return err
	})
	return ok, err
}

func (i *instrumented) Delete(ctx context.Context, path string) error {
	err := i.observe(ctx, "delete", path, func(ctx context.Context) error {
		return i.next.Delete(ctx, path)
	})
	i.audit(ctx, "delete", path, err)
	return err
}

func (i *instrumented) List(ctx context.Context, prefix string) ([]string, error) {
	var paths []string
	err := i.observe(ctx, "list", prefix, func(ctx context.Context) error {
		var err error
		paths, err = i.next.List(ctx, prefix)
		return err
	})
	return paths, err
}

func (i *instrumented) GetMetadata(ctx context.Context, path string) (*Metadata, error) {
	var meta *Metadata
	err := i.observe(ctx, "get_metadata", path, func(ctx context.Context) error {
		var err error
		meta, err = i.next.GetMetadata(ctx, path)
		return err
	})
	return meta, err
}

func (i *instrumented) GetURL(ctx context.Context, path string) (string, error) {
	var url string
	err := i.observe(ctx, "get_url", path, func(ctx context.Context) error {
		var err error
		url, err = i.next.GetURL(ctx, path)
		return err
	})
	return url, err
}

func (i *instrumented) SaveSessionState(ctx context.Context, record SessionRecord) error {
	err := i.observe(ctx, "save_session", record.ID, func(ctx context.Context) error {
		return i.next.SaveSessionState(ctx, record)
	})
	i.audit(ctx, "save_session", record.ID, err)
	return err
}

func (i *instrumented) LoadSessionState(ctx context.Context, id string) (*SessionRecord, error) {
	var record *SessionRecord
	err := i.observe(ctx, "load_session", id, func(ctx context.Context) error {
		var err error
		record, err = i.next.LoadSessionState(ctx, id)
		return err
	})
	return record, err
}

func (i *instrumented) ListSessions(ctx context.Context, filter ListFilter) ([]SessionInfo, error) {
	var infos []SessionInfo
	err := i.observe(ctx, "list_sessions", "", func(ctx context.Context) error {
		var err error
		infos, err = i.next.ListSessions(ctx, filter)
		return err
	})
	return infos, err
}

func (i *instrumented) DeleteSession(ctx context.Context, id string) error {
	err := i.observe(ctx, "delete_session", id, func(ctx context.Context) error {
		return i.next.DeleteSession(ctx, id)
	})
	i.audit(ctx, "delete_session", id, err)
	return err
}

func (i *instrumented) Close() error {
	return i.next.Close()
}
