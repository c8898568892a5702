// Package export renders scene timelines as CMX3600 edit decision lists.
package export

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/heimdex/heimdex-scenes/internal/scene"
)

const (
	DefaultFrameRate = 30.0
	DefaultTitle     = "heimdex_scenes"

	maxTitleLen = 120
	maxClipLen  = 160
)

// Select returns the active scenes of the request in timeline order, plus the
// requested IDs that are unknown or no longer active.
func Select(scenes []*scene.Scene, req Request) ([]*scene.Scene, []string, error) {
	active := scene.ActiveOnly(scenes)
	scene.SortByStart(active)

	missing := []string{}
	if len(req.SceneIDs) > 0 {
		var out []*scene.Scene
		for _, id := range req.SceneIDs {
			i := slices.IndexFunc(active, func(s *scene.Scene) bool { return s.ID == id })
			if i < 0 {
				missing = append(missing, id)
				continue
			}
			if !slices.Contains(out, active[i]) {
				out = append(out, active[i])
			}
		}
		scene.SortByStart(out)
		return out, missing, nil
	}

	var keep func(*scene.Scene) bool
	switch req.Selection {
	case "", SelectAll:
		return active, missing, nil
	case SelectPromoted:
		keep = func(s *scene.Scene) bool { return s.IsPromoted }
	case SelectHighlights:
		keep = func(s *scene.Scene) bool { return s.IsHighlight }
	case SelectKeyMoments:
		keep = func(s *scene.Scene) bool { return s.IsKeyMoment }
	default:
		return nil, nil, scene.NewValidationError(fmt.Sprintf("unknown selection %q", req.Selection))
	}
	var out []*scene.Scene
	for _, s := range active {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out, missing, nil
}

// Clips converts scenes into EDL clips against one source file. Clips are
// named after the scene label, or "Scene N" by timeline position.
func Clips(scenes []*scene.Scene, mediaPath string) []Clip {
	clips := make([]Clip, 0, len(scenes))
	for _, s := range scenes {
		name := SanitizeName(s.Metadata.Label, maxClipLen)
		if name == "" {
			name = fmt.Sprintf("Scene %d", s.SceneIndex+1)
		}
		clips = append(clips, Clip{
			Name:      name,
			MediaPath: mediaPath,
			StartMs:   secondsToMs(s.Start),
			EndMs:     secondsToMs(s.End),
			SceneID:   s.ID,
		})
	}
	return clips
}

// Title sanitizes a requested list title, falling back to DefaultTitle.
func Title(requested string) string {
	if t := SanitizeName(requested, maxTitleLen); t != "" {
		return t
	}
	return DefaultTitle
}

// GenerateEDL lays clips end to end on the record timeline.
func GenerateEDL(clips []Clip, title string, frameRate float64) string {
	fps := int(math.Round(frameRate))
	if fps <= 0 {
		fps = int(DefaultFrameRate)
	}

	lines := []string{"TITLE: " + title}
	if isDropFrame(frameRate) {
		lines = append(lines, "FCM: DROP FRAME")
	} else {
		lines = append(lines, "FCM: NON-DROP FRAME")
	}
	lines = append(lines, "")

	recordMs := 0
	for i, c := range clips {
		length := c.EndMs - c.StartMs
		lines = append(lines,
			fmt.Sprintf("%03d  %-8s %-5s C        %s %s %s %s", i+1, "AX", "V",
				timecode(c.StartMs, fps), timecode(c.EndMs, fps),
				timecode(recordMs, fps), timecode(recordMs+length, fps)),
			"* FROM CLIP NAME:  "+c.Name,
			"* MEDIA PATH:  "+c.MediaPath,
		)
		if c.SceneID != "" {
			lines = append(lines, "* SCENE ID:  "+c.SceneID)
		}
		recordMs += length
	}

	lines = append(lines, "")
	return strings.Join(lines, "\n")
}

func isDropFrame(frameRate float64) bool {
	return math.Abs(frameRate-29.97) < 0.01 || math.Abs(frameRate-59.94) < 0.01
}

func secondsToMs(s float64) int {
	return int(math.Round(s * 1000))
}

func timecode(ms, fps int) string {
	frames := int(math.Round(float64(ms) * float64(fps) / 1000.0))
	ff := frames % fps
	secs := frames / fps
	return fmt.Sprintf("%02d:%02d:%02d:%02d", secs/3600, (secs/60)%60, secs%60, ff)
}
