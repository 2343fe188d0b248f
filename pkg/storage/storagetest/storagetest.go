// Package storagetest holds behaviour checks shared by every storage backend
package storagetest

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/personakit/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises an adapter. newAdapter must return an empty backend.
func Run(t *testing.T, newAdapter func(t *testing.T) storage.Adapter) {
	ctx := context.Background()

	t.Run("should save and load a document", func(t *testing.T) {
		a := newAdapter(t)

		require.NoError(t, a.Save(ctx, "/docs/prd.md", "# PRD", storage.SaveOptions{SessionID: "s1", AgentID: "pm"}))

		content, err := a.Load(ctx, "/docs/prd.md")
		require.NoError(t, err)
		assert.Equal(t, "# PRD", content)

		ok, err := a.Exists(ctx, "docs/prd.md")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("should overwrite with the last write", func(t *testing.T) {
		a := newAdapter(t)

		require.NoError(t, a.Save(ctx, "/a.md", "first", storage.SaveOptions{}))
		require.NoError(t, a.Save(ctx, "/a.md", "second", storage.SaveOptions{}))

		content, err := a.Load(ctx, "/a.md")
		require.NoError(t, err)
		assert.Equal(t, "second", content)
	})

	t.Run("should report missing documents as not found", func(t *testing.T) {
		a := newAdapter(t)

		_, err := a.Load(ctx, "/missing.md")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		ok, err := a.Exists(ctx, "/missing.md")
		require.NoError(t, err)
		assert.False(t, ok)

		assert.ErrorIs(t, a.Delete(ctx, "/missing.md"), storage.ErrNotFound)

		_, err = a.GetMetadata(ctx, "/missing.md")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		_, err = a.GetURL(ctx, "/missing.md")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("should reject unsafe paths", func(t *testing.T) {
		a := newAdapter(t)

		assert.Error(t, a.Save(ctx, "../escape.md", "x", storage.SaveOptions{}))
		assert.Error(t, a.Save(ctx, "", "x", storage.SaveOptions{}))
		assert.Error(t, a.Save(ctx, "/", "x", storage.SaveOptions{}))
	})

	t.Run("should delete documents", func(t *testing.T) {
		a := newAdapter(t)

		require.NoError(t, a.Save(ctx, "/a.md", "x", storage.SaveOptions{}))
		require.NoError(t, a.Delete(ctx, "/a.md"))

		ok, err := a.Exists(ctx, "/a.md")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("should list by prefix in sorted order", func(t *testing.T) {
		a := newAdapter(t)

		for _, p := range []string{"/docs/b.md", "/docs/a.md", "/docs/sub/c.md", "/other.md", "/docsx.md"} {
			require.NoError(t, a.Save(ctx, p, p, storage.SaveOptions{}))
		}

		paths, err := a.List(ctx, "/docs")
		require.NoError(t, err)
		assert.Equal(t, []string{"/docs/a.md", "/docs/b.md", "/docs/sub/c.md"}, paths)

		all, err := a.List(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 5)
	})

	t.Run("should return an empty list for an empty store", func(t *testing.T) {
		a := newAdapter(t)

		paths, err := a.List(ctx, "/")
		require.NoError(t, err)
		assert.NotNil(t, paths)
		assert.Empty(t, paths)
	})

	t.Run("should save batches", func(t *testing.T) {
		a := newAdapter(t)

		err := a.SaveBatch(ctx, []storage.Object{
			{Path: "/one.md", Content: "1"},
			{Path: "/two.md", Content: "22"},
		})
		require.NoError(t, err)

		content, err := a.Load(ctx, "/two.md")
		require.NoError(t, err)
		assert.Equal(t, "22", content)
	})

	t.Run("should reject a batch with an unsafe path before writing", func(t *testing.T) {
		a := newAdapter(t)

		err := a.SaveBatch(ctx, []storage.Object{
			{Path: "/ok.md", Content: "1"},
			{Path: "../bad.md", Content: "2"},
		})
		require.Error(t, err)

		ok, err := a.Exists(ctx, "/ok.md")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("should keep document metadata", func(t *testing.T) {
		a := newAdapter(t)

		opts := storage.SaveOptions{SessionID: "s1", AgentID: "pm", ContentType: "text/markdown"}
		require.NoError(t, a.Save(ctx, "/prd.md", "hello", opts))

		meta, err := a.GetMetadata(ctx, "/prd.md")
		require.NoError(t, err)
		assert.Equal(t, "/prd.md", meta.Path)
		assert.Equal(t, int64(5), meta.Size)
		assert.Equal(t, "s1", meta.SessionID)
		assert.Equal(t, "pm", meta.AgentID)
		assert.Equal(t, "text/markdown", meta.ContentType)
		assert.False(t, meta.UpdatedAt.IsZero())

		url, err := a.GetURL(ctx, "/prd.md")
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(url, "/prd.md"), url)
	})

	t.Run("should handle concurrent writers", func(t *testing.T) {
		a := newAdapter(t)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, a.Save(ctx, "/shared.md", "content", storage.SaveOptions{}))
			}()
		}
		wg.Wait()

		content, err := a.Load(ctx, "/shared.md")
		require.NoError(t, err)
		assert.Equal(t, "content", content)
	})

	t.Run("should save and load session records", func(t *testing.T) {
		a := newAdapter(t)

		record := Record("sess_1", "pm", "session", "completed", time.Now().Add(-time.Hour))
		require.NoError(t, a.SaveSessionState(ctx, record))

		loaded, err := a.LoadSessionState(ctx, "sess_1")
		require.NoError(t, err)
		assert.Equal(t, "pm", loaded.AgentID)
		assert.Equal(t, "session", loaded.Kind)
		assert.Equal(t, "completed", loaded.Status)
		assert.JSONEq(t, string(record.State), string(loaded.State))
		assert.WithinDuration(t, record.UpdatedAt, loaded.UpdatedAt, time.Second)
	})

	t.Run("should replace a session record on save", func(t *testing.T) {
		a := newAdapter(t)

		require.NoError(t, a.SaveSessionState(ctx, Record("sess_1", "pm", "session", "running", time.Now())))
		require.NoError(t, a.SaveSessionState(ctx, Record("sess_1", "pm", "session", "completed", time.Now())))

		loaded, err := a.LoadSessionState(ctx, "sess_1")
		require.NoError(t, err)
		assert.Equal(t, "completed", loaded.Status)
	})

	t.Run("should reject invalid session records", func(t *testing.T) {
		a := newAdapter(t)

		bad := Record("../evil", "pm", "session", "completed", time.Now())
		assert.Error(t, a.SaveSessionState(ctx, bad))

		empty := Record("sess_1", "pm", "session", "completed", time.Now())
		empty.State = nil
		assert.Error(t, a.SaveSessionState(ctx, empty))

		_, err := a.LoadSessionState(ctx, "a/b")
		assert.Error(t, err)
	})

	t.Run("should list and filter sessions", func(t *testing.T) {
		a := newAdapter(t)

		require.NoError(t, a.SaveSessionState(ctx, Record("b", "pm", "session", "completed", time.Now())))
		require.NoError(t, a.SaveSessionState(ctx, Record("a", "dev", "conversation", "idle", time.Now())))
		require.NoError(t, a.SaveSessionState(ctx, Record("c", "pm", "session", "paused", time.Now())))

		all, err := a.ListSessions(ctx, storage.ListFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "a", all[0].ID)
		assert.Equal(t, "c", all[2].ID)

		pm, err := a.ListSessions(ctx, storage.ListFilter{AgentID: "pm"})
		require.NoError(t, err)
		assert.Len(t, pm, 2)

		paused, err := a.ListSessions(ctx, storage.ListFilter{Kind: "session", Status: "paused"})
		require.NoError(t, err)
		require.Len(t, paused, 1)
		assert.Equal(t, "c", paused[0].ID)
	})

	t.Run("should delete sessions", func(t *testing.T) {
		a := newAdapter(t)

		require.NoError(t, a.SaveSessionState(ctx, Record("sess_1", "pm", "session", "completed", time.Now())))
		require.NoError(t, a.DeleteSession(ctx, "sess_1"))

		_, err := a.LoadSessionState(ctx, "sess_1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, a.DeleteSession(ctx, "sess_1"), storage.ErrNotFound)
	})
}

// Record builds a session record with a small JSON state
func Record(id, agentID, kind, status string, updated time.Time) storage.SessionRecord {
	state, _ := json.Marshal(map[string]string{"id": id, "status": status})
	return storage.SessionRecord{
		SessionInfo: storage.SessionInfo{
			ID:        id,
			AgentID:   agentID,
			Kind:      kind,
			Status:    status,
			UpdatedAt: updated.UTC(),
		},
		State: state,
	}
}
