package scene

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestGrade(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{0.95, "A"},
		{0.9, "A"},
		{0.85, "B"},
		{0.7, "C"},
		{0.65, "D"},
		{0.59, "F"},
		{0, "F"},
	}
	for _, tt := range tests {
		if got := Grade(tt.score); got != tt.want {
			t.Errorf("Grade(%v) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestParamsKey_EquivalentSetsMatch(t *testing.T) {
	omitted := Overrides{}.Resolve()
	explicit := Overrides{
		Sensitivity:    ptr(0.3),
		MinSceneLength: ptr(1.0),
		MaxSceneLength: ptr(0.0),
		FPS:            ptr(3.0),
		UseMultiModal:  ptr(true),
		WorkflowType:   ptr(" General "),
	}.Resolve()

	assert.Equal(t, omitted.Key(), explicit.Key())
	assert.Equal(t, omitted, explicit)

	other := Overrides{Sensitivity: ptr(0.4)}.Resolve()
	assert.NotEqual(t, omitted.Key(), other.Key())
}

func TestParamsValidate(t *testing.T) {
	assert.NoError(t, DefaultParams().Validate())

	err := Params{Sensitivity: 2, MinSceneLength: 5, MaxSceneLength: 2}.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Problems, 2)
}

func TestCandidateToScene_Defaults(t *testing.T) {
	now := time.Now()
	s := Candidate{Start: 1, End: 4}.ToScene("c1", "w1", "o1", "j1", DefaultParams(), now)

	assert.Equal(t, DefaultConfidence, s.Confidence)
	assert.Equal(t, DefaultConfidence, s.QualityScore)
	assert.Equal(t, 3.0, s.Duration())
	assert.Equal(t, 1, s.Version)
	assert.Empty(t, s.MergedFrom)
	assert.NotEmpty(t, s.ID)

	s = Candidate{Start: 0, End: 2, Confidence: ptr(1.4), Quality: ptr(0.82), AudioCues: []string{"music", "music"}}.
		ToScene("c1", "w1", "o1", "j1", DefaultParams(), now)
	assert.Equal(t, 1.0, s.Confidence)
	assert.Equal(t, "B", s.Grade())
	assert.Equal(t, []string{"music"}, s.Metadata.AudioCues)
}

func TestSceneJSON_IncludesDerivedFields(t *testing.T) {
	s := &Scene{ID: "s1", Start: 2, End: 7.5, QualityScore: 0.91}
	b, err := json.Marshal(s)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, 5.5, m["duration"])
	assert.Equal(t, "A", m["grade"])
	assert.Equal(t, "s1", m["id"])
}

func TestClone_IsDeep(t *testing.T) {
	s := &Scene{CustomTags: []string{"a"}, Metadata: Metadata{Brightness: ptr(0.5), Tags: []string{"x"}}}
	c := s.Clone()
	c.CustomTags[0] = "b"
	*c.Metadata.Brightness = 0.9
	c.Metadata.Tags[0] = "y"

	assert.Equal(t, "a", s.CustomTags[0])
	assert.Equal(t, 0.5, *s.Metadata.Brightness)
	assert.Equal(t, "x", s.Metadata.Tags[0])
}

func TestReindex(t *testing.T) {
	scenes := []*Scene{
		{ID: "c", Start: 20, End: 30, SceneIndex: 0},
		{ID: "gone", Start: 0, End: 30, SceneIndex: 7, IsMerged: true},
		{ID: "a", Start: 0, End: 10, SceneIndex: 5},
		{ID: "b", Start: 10, End: 20, SceneIndex: 1},
	}

	changed := Reindex(scenes)

	idx := map[string]int{}
	for _, s := range scenes {
		idx[s.ID] = s.SceneIndex
	}
	assert.Equal(t, 0, idx["a"])
	assert.Equal(t, 1, idx["b"])
	assert.Equal(t, 2, idx["c"])
	assert.Equal(t, 7, idx["gone"], "superseded scenes keep their index")
	assert.Len(t, changed, 2)
	assert.NoError(t, CheckOrdering(scenes))
}

func TestCheckOrdering_DetectsViolation(t *testing.T) {
	scenes := []*Scene{
		{ID: "a", Start: 10, End: 20, SceneIndex: 0},
		{ID: "b", Start: 0, End: 10, SceneIndex: 1},
	}
	assert.Error(t, CheckOrdering(scenes))
}

func TestCheckOverlap(t *testing.T) {
	scenes := []*Scene{
		{ID: "a", Start: 0, End: 10.05},
		{ID: "b", Start: 10, End: 20},
	}
	assert.NoError(t, CheckOverlap(scenes, 0.1))
	assert.Error(t, CheckOverlap(scenes, 0.01))
}

func TestCheckOverlap_LongSceneSpansNeighbours(t *testing.T) {
	scenes := []*Scene{
		{ID: "a", Start: 0, End: 100},
		{ID: "b", Start: 10, End: 10.05},
		{ID: "c", Start: 20, End: 30},
	}
	err := CheckOverlap(scenes, 0.1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scenes a and c")
}

func TestFindConflict(t *testing.T) {
	scenes := []*Scene{
		{ID: "a", Start: 0, End: 10},
		{ID: "b", Start: 10, End: 20},
		{ID: "old", Start: 0, End: 20, IsMerged: true},
		{ID: "c", Start: 20, End: 30},
	}
	assert.Nil(t, FindConflict(scenes, []string{"b"}, 10, 20, 0))
	got := FindConflict(scenes, []string{"b"}, 8, 20, 0)
	require.NotNil(t, got)
	assert.Equal(t, "a", got.ID)
	got = FindConflict(scenes, []string{"b"}, 10, 25, 0)
	require.NotNil(t, got)
	assert.Equal(t, "c", got.ID)
}

func TestLocks_SerializesPerContent(t *testing.T) {
	locks := NewLocks()
	var inside atomic.Int32
	var maxInside atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := locks.Lock("content-1")
			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, 0, locks.Held())
}

func TestLocks_IndependentContent(t *testing.T) {
	locks := NewLocks()
	release := locks.Lock("a")
	defer release()

	done := make(chan struct{})
	go func() {
		r := locks.Lock("b")
		r()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different content blocked")
	}
}

func TestErrors(t *testing.T) {
	err := fmt.Errorf("commit: %w", &DetectionError{Message: "ffmpeg exited 1"})
	assert.ErrorIs(t, err, ErrDetection)
	assert.Contains(t, err.Error(), "ffmpeg exited 1")

	assert.ErrorIs(t, NotFoundf("scene %s", "x"), ErrNotFound)
	assert.ErrorIs(t, Conflictf("overlap"), ErrConflict)
	assert.False(t, errors.Is(NotFoundf("x"), ErrConflict))
}
