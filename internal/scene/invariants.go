package scene

import (
	"cmp"
	"fmt"
	"slices"
)

// ActiveOnly filters out superseded scenes.
func ActiveOnly(scenes []*Scene) []*Scene {
	out := make([]*Scene, 0, len(scenes))
	for _, s := range scenes {
		if s.Active() {
			out = append(out, s)
		}
	}
	return out
}

// SortByStart orders scenes by start time. The sort is stable so that equal
// starts keep their current relative order.
func SortByStart(scenes []*Scene) {
	slices.SortStableFunc(scenes, func(a, b *Scene) int {
		return cmp.Compare(a.Start, b.Start)
	})
}

// Reindex sorts the active scenes by start and assigns compact indices from
// zero. It returns the scenes whose index changed.
func Reindex(scenes []*Scene) []*Scene {
	active := ActiveOnly(scenes)
	SortByStart(active)

	var changed []*Scene
	for i, s := range active {
		if s.SceneIndex != i {
			s.SceneIndex = i
			changed = append(changed, s)
		}
	}
	return changed
}

// CheckOrdering verifies that sorting the active set by index matches sorting
// it by start.
func CheckOrdering(scenes []*Scene) error {
	active := ActiveOnly(scenes)
	slices.SortFunc(active, func(a, b *Scene) int {
		return cmp.Compare(a.SceneIndex, b.SceneIndex)
	})
	for i := 1; i < len(active); i++ {
		prev, cur := active[i-1], active[i]
		if cur.SceneIndex == prev.SceneIndex {
			return fmt.Errorf("duplicate scene index %d", cur.SceneIndex)
		}
		if cur.Start < prev.Start {
			return fmt.Errorf("scene %s (index %d) starts before scene %s (index %d)",
				cur.ID, cur.SceneIndex, prev.ID, prev.SceneIndex)
		}
	}
	return nil
}

// Overlap returns how many seconds [aStart,aEnd) and [bStart,bEnd) share.
func Overlap(aStart, aEnd, bStart, bEnd float64) float64 {
	lo := max(aStart, bStart)
	hi := min(aEnd, bEnd)
	if hi <= lo {
		return 0
	}
	return hi - lo
}

// CheckOverlap verifies that no two active scenes share more than tolerance
// seconds.
func CheckOverlap(scenes []*Scene, tolerance float64) error {
	active := ActiveOnly(scenes)
	SortByStart(active)
	if len(active) == 0 {
		return nil
	}
	// reach is the earlier scene ending last; any overlap with an earlier
	// scene is at most the overlap with reach.
	reach := active[0]
	for _, cur := range active[1:] {
		if ov := Overlap(reach.Start, reach.End, cur.Start, cur.End); ov > tolerance {
			return fmt.Errorf("scenes %s and %s overlap by %.3fs", reach.ID, cur.ID, ov)
		}
		if cur.End > reach.End {
			reach = cur
		}
	}
	return nil
}

// FindConflict scans every active scene, skipping those in exclude, and returns
// the first whose interval overlaps [start,end) by more than tolerance.
func FindConflict(scenes []*Scene, exclude []string, start, end, tolerance float64) *Scene {
	for _, s := range scenes {
		if !s.Active() || slices.Contains(exclude, s.ID) {
			continue
		}
		if Overlap(start, end, s.Start, s.End) > tolerance {
			return s
		}
	}
	return nil
}
