package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/harun/personakit/internal/observability"
	"github.com/harun/personakit/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockAdapter struct {
	mock.Mock
}

func (m *mockAdapter) Save(ctx context.Context, path, content string, opts SaveOptions) error {
	return m.Called(ctx, path, content, opts).Error(0)
}

func (m *mockAdapter) SaveBatch(ctx context.Context, objects []Object) error {
	return m.Called(ctx, objects).Error(0)
}

func (m *mockAdapter) Load(ctx context.Context, path string) (string, error) {
	args := m.Called(ctx, path)
	return args.String(0), args.Error(1)
}

func (m *mockAdapter) Exists(ctx context.Context, path string) (bool, error) {
	args := m.Called(ctx, path)
	return args.Bool(0), args.Error(1)
}

func (m *mockAdapter) Delete(ctx context.Context, path string) error {
	return m.Called(ctx, path).Error(0)
}

func (m *mockAdapter) List(ctx context.Context, prefix string) ([]string, error) {
	args := m.Called(ctx, prefix)
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockAdapter) GetMetadata(ctx context.Context, path string) (*Metadata, error) {
	args := m.Called(ctx, path)
	meta, _ := args.Get(0).(*Metadata)
	return meta, args.Error(1)
}

func (m *mockAdapter) GetURL(ctx context.Context, path string) (string, error) {
	args := m.Called(ctx, path)
	return args.String(0), args.Error(1)
}

func (m *mockAdapter) SaveSessionState(ctx context.Context, record SessionRecord) error {
	return m.Called(ctx, record).Error(0)
}

func (m *mockAdapter) LoadSessionState(ctx context.Context, id string) (*SessionRecord, error) {
	args := m.Called(ctx, id)
	record, _ := args.Get(0).(*SessionRecord)
	return record, args.Error(1)
}

func (m *mockAdapter) ListSessions(ctx context.Context, filter ListFilter) ([]SessionInfo, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).([]SessionInfo), args.Error(1)
}

func (m *mockAdapter) DeleteSession(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockAdapter) Close() error {
	return m.Called().Error(0)
}

// captureAudit routes audit events into a buffer for the test
func captureAudit(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	observability.SetAuditor(observability.NewAuditor(&buf))
	t.Cleanup(func() { observability.SetAuditor(nil) })
	return &buf
}

func auditLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var lines []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		lines = append(lines, entry)
	}
	return lines
}

func TestInstrument(t *testing.T) {
	ctx := tracing.WithSessionID(context.Background(), "sess_1")

	t.Run("should pass calls through to the backend", func(t *testing.T) {
		backend := &mockAdapter{}
		backend.On("Load", mock.Anything, "/docs/prd.md").Return("# PRD", nil).Once()
		backend.On("Exists", mock.Anything, "/docs/prd.md").Return(true, nil).Once()
		backend.On("List", mock.Anything, "/docs").Return([]string{"/docs/prd.md"}, nil).Once()
		backend.On("Close").Return(nil).Once()

		store := Instrument(backend, "mock", zerolog.Nop())

		content, err := store.Load(ctx, "/docs/prd.md")
		require.NoError(t, err)
		assert.Equal(t, "# PRD", content)

		ok, err := store.Exists(ctx, "/docs/prd.md")
		require.NoError(t, err)
		assert.True(t, ok)

		paths, err := store.List(ctx, "/docs")
		require.NoError(t, err)
		assert.Equal(t, []string{"/docs/prd.md"}, paths)

		require.NoError(t, store.Close())
		backend.AssertExpectations(t)
	})

	t.Run("should expose the wrapped backend", func(t *testing.T) {
		backend := &mockAdapter{}
		store := Instrument(backend, "mock", zerolog.Nop())

		unwrapper, ok := store.(interface{ Unwrap() Adapter })
		require.True(t, ok)
		assert.Same(t, backend, unwrapper.Unwrap())
	})

	t.Run("should audit mutating operations only", func(t *testing.T) {
		buf := captureAudit(t)
		backend := &mockAdapter{}
		backend.On("Save", mock.Anything, "/docs/prd.md", "# PRD", SaveOptions{}).Return(nil).Once()
		backend.On("Load", mock.Anything, "/docs/prd.md").Return("# PRD", nil).Once()
		backend.On("DeleteSession", mock.Anything, "sess_1").Return(errors.New("disk full")).Once()

		store := Instrument(backend, "mock", zerolog.Nop())
		require.NoError(t, store.Save(ctx, "/docs/prd.md", "# PRD", SaveOptions{}))
		_, err := store.Load(ctx, "/docs/prd.md")
		require.NoError(t, err)
		assert.EqualError(t, store.DeleteSession(ctx, "sess_1"), "disk full")

		lines := auditLines(t, buf)
		require.Len(t, lines, 2)
		assert.Equal(t, "storage", lines[0]["kind"])
		assert.Equal(t, "save:/docs/prd.md", lines[0]["action"])
		assert.Equal(t, "sess_1", lines[0]["session_id"])
		assert.Equal(t, "success", lines[0]["status"])
		assert.Equal(t, "delete_session:sess_1", lines[1]["action"])
		assert.Equal(t, "error", lines[1]["status"])
		backend.AssertExpectations(t)
	})

	t.Run("should return not found unchanged", func(t *testing.T) {
		backend := &mockAdapter{}
		backend.On("LoadSessionState", mock.Anything, "sess_missing").Return(nil, ErrNotFound).Once()

		store := Instrument(backend, "mock", zerolog.Nop())
		_, err := store.LoadSessionState(ctx, "sess_missing")
		assert.ErrorIs(t, err, ErrNotFound)
		backend.AssertExpectations(t)
	})
}
