package analytics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimdex/heimdex-scenes/internal/db"
	"github.com/heimdex/heimdex-scenes/internal/scene"
)

func setupRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return NewRepository(database.Conn())
}

func makeScenes(lengths []float64, quality []float64) []*scene.Scene {
	var out []*scene.Scene
	start := 0.0
	for i, l := range lengths {
		out = append(out, &scene.Scene{Start: start, End: start + l, QualityScore: quality[i]})
		start += l
	}
	return out
}

func TestNewRecord_Stats(t *testing.T) {
	scenes := makeScenes([]float64{2, 4, 6}, []float64{0.9, 0.5, 0.7})
	rec := NewRecord("j1", "c1", "w1", "o1", scene.DefaultParams(), scenes, time.Now())

	assert.Equal(t, 3, rec.SceneCount)
	assert.InDelta(t, 4.0, rec.AverageSceneLength, 1e-9)
	assert.Equal(t, 2.0, rec.MinSceneLength)
	assert.Equal(t, 6.0, rec.MaxSceneLength)
	require.NotNil(t, rec.AverageQuality)
	assert.InDelta(t, 0.7, *rec.AverageQuality, 1e-9)
	assert.Equal(t, 2, rec.HighQualityScenes)

	empty := NewRecord("j2", "c1", "w1", "o1", scene.DefaultParams(), nil, time.Now())
	assert.Nil(t, empty.AverageQuality)
	assert.Equal(t, 0.0, empty.EditRate())
}

func TestTrackEdit(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)

	// no analytics yet: nothing to tally
	require.NoError(t, TrackEdit(ctx, repo, "c1", EditMerge))

	older := NewRecord("j1", "c1", "w1", "o1", scene.DefaultParams(), makeScenes([]float64{5}, []float64{0.5}), time.Now().Add(-time.Hour))
	newer := NewRecord("j2", "c1", "w1", "o1", scene.DefaultParams(), makeScenes([]float64{5, 5}, []float64{0.5, 0.5}), time.Now())
	require.NoError(t, Save(ctx, repo, older))
	require.NoError(t, Save(ctx, repo, newer))

	for _, k := range []EditKind{EditMerge, EditMerge, EditSplit, EditDelete, EditPromote, EditBoundary} {
		require.NoError(t, TrackEdit(ctx, repo, "c1", k))
	}

	got, err := repo.Get(ctx, newer.ID)
	require.NoError(t, err)
	assert.Equal(t, Edits{Merged: 2, Split: 1, Deleted: 1, Promoted: 1, BoundaryAdjusted: 1, Total: 6}, got.Edits)
	assert.InDelta(t, 3.0, got.EditRate(), 1e-9)

	old, err := repo.Get(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, old.Edits.Total)

	assert.Error(t, repo.IncrementEdit(ctx, newer.ID, EditKind("rename")))
}

func TestRepository_ListByWorkspace(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)

	p := scene.Overrides{Sensitivity: ptr(0.4), UseMultiModal: ptr(false)}.Resolve()
	recent := NewRecord("j1", "c1", "w1", "", p, nil, time.Now())
	stale := NewRecord("j2", "c2", "w1", "", p, nil, time.Now().Add(-90*24*time.Hour))
	other := NewRecord("j3", "c3", "w2", "", p, nil, time.Now())
	for _, r := range []*Record{recent, stale, other} {
		require.NoError(t, repo.Create(ctx, r))
	}

	got, err := repo.ListByWorkspace(ctx, "w1", time.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, recent.ID, got[0].ID)
	assert.Equal(t, p, got[0].Params)

	ws, err := repo.Workspaces(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"w1", "w2"}, ws)
}

func ptr[T any](v T) *T { return &v }
