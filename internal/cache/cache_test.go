package cache

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimdex/heimdex-scenes/internal/db"
	"github.com/heimdex/heimdex-scenes/internal/logging"
	"github.com/heimdex/heimdex-scenes/internal/scene"
)

func params(sensitivity float64) scene.Params {
	return scene.Overrides{Sensitivity: &sensitivity}.Resolve()
}

func scenes(contentID string, p scene.Params, n int) []*scene.Scene {
	out := make([]*scene.Scene, n)
	for i := range out {
		out[i] = scene.Candidate{Start: float64(i * 5), End: float64(i*5 + 5)}.
			ToScene(contentID, "w1", "o1", "j1", p, time.Now())
		out[i].SceneIndex = i
	}
	return out
}

type fakeShared struct {
	mu      sync.Mutex
	data    map[string][]*scene.Scene
	failGet bool
	deleted []string
}

func newFakeShared() *fakeShared {
	return &fakeShared{data: make(map[string][]*scene.Scene)}
}

func (f *fakeShared) Get(_ context.Context, contentID, pk string) ([]*scene.Scene, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet {
		return nil, false, errors.New("connection refused")
	}
	s, ok := f.data[contentID+"|"+pk]
	return s, ok, nil
}

func (f *fakeShared) Set(_ context.Context, contentID, pk string, s []*scene.Scene) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[contentID+"|"+pk] = s
	return nil
}

func (f *fakeShared) DeleteContent(_ context.Context, contentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, contentID)
	for k := range f.data {
		if len(k) > len(contentID) && k[:len(contentID)+1] == contentID+"|" {
			delete(f.data, k)
		}
	}
	return nil
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	c := New(10, logging.Discard())
	p := params(0.3)
	s := scenes("c1", p, 3)

	c.Put(ctx, "c1", p, s)

	got, ok := c.Get(ctx, "c1", p)
	require.True(t, ok)
	require.Len(t, got, 3)
	assert.Equal(t, s[1].ID, got[1].ID)

	// equivalent parameter set with omitted fields hits the same entry
	got, ok = c.Get(ctx, "c1", scene.Overrides{}.Resolve())
	assert.True(t, ok)
	assert.Len(t, got, 3)

	_, ok = c.Get(ctx, "c1", params(0.5))
	assert.False(t, ok)
	_, ok = c.Get(ctx, "c2", p)
	assert.False(t, ok)
}

func TestGet_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	c := New(10, logging.Discard())
	p := params(0.3)
	c.Put(ctx, "c1", p, scenes("c1", p, 1))

	got, _ := c.Get(ctx, "c1", p)
	got[0].Start = 99

	again, _ := c.Get(ctx, "c1", p)
	assert.Equal(t, 0.0, again[0].Start)
}

func TestInvalidate_MissesEveryParams(t *testing.T) {
	ctx := context.Background()
	shared := newFakeShared()
	c := New(10, logging.Discard(), WithShared(shared))

	for _, sens := range []float64{0.2, 0.3, 0.4} {
		p := params(sens)
		c.Put(ctx, "c1", p, scenes("c1", p, 2))
	}
	c.Put(ctx, "c2", params(0.3), scenes("c2", params(0.3), 2))

	c.Invalidate(ctx, "c1")

	for _, sens := range []float64{0.2, 0.3, 0.4} {
		_, ok := c.Get(ctx, "c1", params(sens))
		assert.False(t, ok, "sensitivity %v", sens)
	}
	_, ok := c.Get(ctx, "c2", params(0.3))
	assert.True(t, ok)
	assert.Equal(t, []string{"c1"}, shared.deleted)
}

func TestFIFOEviction(t *testing.T) {
	ctx := context.Background()
	c := New(3, logging.Discard())
	p := params(0.3)

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("c%d", i)
		c.Put(ctx, id, p, scenes(id, p, 1))
	}

	assert.Equal(t, 3, c.Len())
	for i := 0; i < 2; i++ {
		_, ok := c.Get(ctx, fmt.Sprintf("c%d", i), p)
		assert.False(t, ok, "c%d should be evicted", i)
	}
	for i := 2; i < 5; i++ {
		_, ok := c.Get(ctx, fmt.Sprintf("c%d", i), p)
		assert.True(t, ok, "c%d should be cached", i)
	}
}

func TestSharedTier_FailsOpen(t *testing.T) {
	ctx := context.Background()
	shared := newFakeShared()
	shared.failGet = true
	c := New(10, logging.Discard(), WithShared(shared))

	_, ok := c.Get(ctx, "c1", params(0.3))
	assert.False(t, ok)
}

func TestSharedTier_PopulatesMemory(t *testing.T) {
	ctx := context.Background()
	shared := newFakeShared()
	p := params(0.3)
	require.NoError(t, shared.Set(ctx, "c1", p.Key(), scenes("c1", p, 2)))

	c := New(10, logging.Discard(), WithShared(shared))
	got, ok := c.Get(ctx, "c1", p)
	require.True(t, ok)
	assert.Len(t, got, 2)
	assert.Equal(t, 1, c.Len())
}

func TestDurableTier(t *testing.T) {
	ctx := context.Background()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer database.Close()
	repo := scene.NewRepository(database.Conn())

	p := params(0.3)
	for _, s := range scenes("c1", p, 3) {
		require.NoError(t, repo.Insert(ctx, s))
	}

	c := New(10, logging.Discard(), WithStore(repo))

	_, ok := c.Get(ctx, "c1", p)
	assert.False(t, ok, "no detection state recorded yet")

	require.NoError(t, repo.MarkDetected(ctx, "c1", p.Key(), "j1"))

	got, ok := c.Get(ctx, "c1", p)
	require.True(t, ok)
	assert.Len(t, got, 3)
	assert.Equal(t, 1, c.Len(), "durable hit populates memory tier")

	_, ok = c.Get(ctx, "c1", params(0.5))
	assert.False(t, ok, "different parameters never match")

	c.Invalidate(ctx, "c1")
	_, ok = c.Get(ctx, "c1", p)
	assert.False(t, ok)

	st, err := repo.DetectionState(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, st.Valid)
}

func TestDurableTier_InconsistentParamsIsMiss(t *testing.T) {
	ctx := context.Background()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer database.Close()
	repo := scene.NewRepository(database.Conn())

	p := params(0.3)
	s := scenes("c1", p, 2)
	s[1].DetectionParams = params(0.9)
	for _, sc := range s {
		require.NoError(t, repo.Insert(ctx, sc))
	}
	require.NoError(t, repo.MarkDetected(ctx, "c1", p.Key(), "j1"))

	c := New(10, logging.Discard(), WithStore(repo))
	_, ok := c.Get(ctx, "c1", p)
	assert.False(t, ok)
}

func TestConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	c := New(16, logging.Discard())
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := fmt.Sprintf("c%d", (w*100+i)%32)
				p := params(0.3)
				c.Put(ctx, id, p, scenes(id, p, 1))
				c.Get(ctx, id, p)
				if i%10 == 0 {
					c.Invalidate(ctx, id)
				}
			}
		}(w)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 16)
}

func TestReplace_DropsOtherParams(t *testing.T) {
	ctx := context.Background()
	c := New(10, logging.Discard())
	old := params(0.2)
	c.Put(ctx, "c1", old, scenes("c1", old, 4))

	p := params(0.3)
	c.Replace(ctx, "c1", p, scenes("c1", p, 2))

	_, ok := c.Get(ctx, "c1", old)
	assert.False(t, ok)
	got, ok := c.Get(ctx, "c1", p)
	require.True(t, ok)
	assert.Len(t, got, 2)
}

// slowStore holds ListByContent until release is closed.
type slowStore struct {
	mu      sync.Mutex
	key     string
	valid   bool
	scenes  []*scene.Scene
	entered chan struct{}
	release chan struct{}
}

func (s *slowStore) ListByContent(_ context.Context, _ string, _ bool) ([]*scene.Scene, error) {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	return s.scenes, nil
}

func (s *slowStore) DetectionState(_ context.Context, contentID string) (*scene.DetectionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &scene.DetectionState{ContentID: contentID, ParamsKey: s.key, Valid: s.valid}, nil
}

func (s *slowStore) InvalidateDetected(_ context.Context, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.valid = false
	return nil
}

func TestInvalidate_DuringDurableLookup(t *testing.T) {
	ctx := context.Background()
	p := params(0.3)
	store := &slowStore{
		key:     p.Key(),
		valid:   true,
		scenes:  scenes("c1", p, 3),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	shared := newFakeShared()
	c := New(10, logging.Discard(), WithStore(store), WithShared(shared))

	done := make(chan bool)
	go func() {
		_, ok := c.Get(ctx, "c1", p)
		done <- ok
	}()

	<-store.entered
	c.Invalidate(ctx, "c1")
	close(store.release)
	assert.True(t, <-done, "the in-flight lookup still answers")

	assert.Equal(t, 0, c.Len(), "pre-edit scenes must not be cached after Invalidate")
	_, ok, err := shared.Get(ctx, "c1", p.Key())
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok = c.Get(ctx, "c1", p)
	assert.False(t, ok)
}

func TestRefresh_KeepsDurableResult(t *testing.T) {
	ctx := context.Background()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer database.Close()
	repo := scene.NewRepository(database.Conn())

	p := params(0.3)
	in := scenes("c1", p, 2)
	for _, s := range in {
		require.NoError(t, repo.Insert(ctx, s))
	}
	require.NoError(t, repo.MarkDetected(ctx, "c1", p.Key(), "j1"))

	shared := newFakeShared()
	c := New(10, logging.Discard(), WithStore(repo), WithShared(shared))
	_, ok := c.Get(ctx, "c1", p)
	require.True(t, ok)

	in[0].Notes = "keep this"
	require.NoError(t, repo.Update(ctx, in[0]))
	c.Refresh(ctx, "c1")
	assert.Equal(t, 0, c.Len())
	assert.Contains(t, shared.deleted, "c1")

	got, ok := c.Get(ctx, "c1", p)
	require.True(t, ok, "durable result survives a refresh")
	assert.Equal(t, "keep this", got[0].Notes)

	st, err := repo.DetectionState(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, st.Valid)
}
