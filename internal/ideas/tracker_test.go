package ideas

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/buildqueue/internal/storage/lock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ideasDoc = `{
  "version": 2,
  "ideas": [
    {"id": "a", "campaignId": "camp", "status": "ready", "title": "Todo app"},
    {"id": "b", "campaignId": "other", "status": "ready"},
    {"id": "c", "status": "ready"}
  ]
}`

func writeDoc(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ideas.json")
	require.NoError(t, os.WriteFile(path, []byte(ideasDoc), 0o644))
	return path
}

func readIdeas(t *testing.T, path string) map[string]map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc struct {
		Version int              `json:"version"`
		Ideas   []map[string]any `json:"ideas"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, 2, doc.Version, "unrelated fields are preserved")

	out := make(map[string]map[string]any)
	for _, idea := range doc.Ideas {
		out[idea["id"].(string)] = idea
	}
	return out
}

func TestMarkBuilding(t *testing.T) {
	path := writeDoc(t)
	tr := NewFileTracker(path, lock.Options{})
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tr.now = func() time.Time { return fixed }

	require.NoError(t, tr.MarkBuilding(context.Background(), "camp", "a"))

	ideas := readIdeas(t, path)
	assert.Equal(t, StatusBuilding, ideas["a"]["status"])
	assert.Equal(t, "2026-01-02T03:04:05Z", ideas["a"]["buildStartedAt"])
	assert.Equal(t, "Todo app", ideas["a"]["title"])
	assert.Equal(t, "ready", ideas["b"]["status"])
}

func TestMarkBuildingMatching(t *testing.T) {
	tests := []struct {
		name     string
		campaign string
		idea     string
		wantErr  bool
	}{
		{"matching campaign", "camp", "a", false},
		{"idea without campaign", "anything", "c", false},
		{"wrong campaign", "camp", "b", true},
		{"unknown idea", "camp", "zzz", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewFileTracker(writeDoc(t), lock.Options{})
			err := tr.MarkBuilding(context.Background(), tt.campaign, tt.idea)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrIdeaNotFound)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMarkBuildingMissingDocument(t *testing.T) {
	tr := NewFileTracker(filepath.Join(t.TempDir(), "none.json"), lock.Options{})
	err := tr.MarkBuilding(context.Background(), "camp", "a")
	assert.ErrorIs(t, err, ErrIdeaNotFound)
}

func TestNop(t *testing.T) {
	var tr Tracker = Nop{}
	assert.NoError(t, tr.MarkBuilding(context.Background(), "c", "i"))
}
