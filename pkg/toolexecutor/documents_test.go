package toolexecutor

import (
	"context"
	"testing"

	"github.com/harun/personakit/pkg/docspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDocumentExecutor(t *testing.T) (*ToolExecutor, *docspace.Space) {
	t.Helper()
	space := docspace.New()
	te := newTestExecutor()
	require.NoError(t, RegisterBuiltinTools(te, space))
	return te, space
}

func run(te *ToolExecutor, name string, params map[string]interface{}) ToolResult {
	return te.Execute(context.Background(), name, params, nil)
}

func TestDocumentTools(t *testing.T) {
	t.Run("should register the builtin set in order", func(t *testing.T) {
		te, _ := newDocumentExecutor(t)
		assert.Equal(t, []string{
			ReadFileTool, WriteFileTool, EditFileTool, ListFilesTool, SearchFilesTool, BashTool, AskUserTool,
		}, te.ListTools())
	})

	t.Run("should write then read a document", func(t *testing.T) {
		te, space := newDocumentExecutor(t)

		result := run(te, WriteFileTool, map[string]interface{}{"path": "/test.md", "content": "# Test"})
		require.True(t, result.Success, result.Error)
		assert.Equal(t, "Wrote 6 bytes to /test.md", result.Output)

		content, err := space.Read("/test.md")
		require.NoError(t, err)
		assert.Equal(t, "# Test", content)

		result = run(te, ReadFileTool, map[string]interface{}{"path": "test.md"})
		assert.Equal(t, "# Test", result.Output)
	})

	t.Run("should report a missing document as a tool error", func(t *testing.T) {
		te, _ := newDocumentExecutor(t)
		result := run(te, ReadFileTool, map[string]interface{}{"path": "/nope.md"})
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "document not found")
	})

	t.Run("should edit documents", func(t *testing.T) {
		te, space := newDocumentExecutor(t)
		require.NoError(t, space.Write("/s.md", "a b a"))

		result := run(te, EditFileTool, map[string]interface{}{"path": "/s.md", "old_string": "a", "new_string": "c"})
		assert.False(t, result.Success)

		result = run(te, EditFileTool, map[string]interface{}{
			"path": "/s.md", "old_string": "a", "new_string": "c", "replace_all": true,
		})
		require.True(t, result.Success, result.Error)
		content, _ := space.Read("/s.md")
		assert.Equal(t, "c b c", content)
	})

	t.Run("should list and search documents", func(t *testing.T) {
		te, space := newDocumentExecutor(t)
		result := run(te, ListFilesTool, nil)
		assert.Equal(t, "No files found", result.Output)

		require.NoError(t, space.Write("/docs/a.md", "alpha\nbeta"))
		require.NoError(t, space.Write("/docs/b.md", "gamma"))

		result = run(te, ListFilesTool, map[string]interface{}{"path": "/docs"})
		assert.Equal(t, "/docs/a.md\n/docs/b.md", result.Output)

		result = run(te, SearchFilesTool, map[string]interface{}{"pattern": "^b"})
		assert.Equal(t, "/docs/a.md:2:beta", result.Output)

		result = run(te, SearchFilesTool, map[string]interface{}{"pattern": "zeta"})
		assert.Equal(t, "No matches found", result.Output)
	})
}
