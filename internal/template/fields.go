package template

import (
	"slices"
	"strings"

	"github.com/heimdex/heimdex-scenes/internal/scene"
)

// Fields is the flattened view of a scene that conditions evaluate against.
// Values are float64, string, bool or []string. Absent optional values are
// missing from the map.
type Fields map[string]any

var scalarPaths = []string{
	"start", "end", "duration", "scene_index", "confidence", "quality_score", "grade",
	"priority", "is_highlight", "is_promoted", "is_key_moment", "notes", "version",
	"metadata.label", "metadata.has_faces", "metadata.face_count", "metadata.has_speech",
	"metadata.speech_confidence", "metadata.brightness", "metadata.motion_level",
	"detection.sensitivity", "detection.workflow_type",
}

var listPaths = []string{"tags", "custom_tags", "metadata.tags", "metadata.audio_cues"}

const audioFeaturePrefix = "metadata.audio_features."

func knownPath(path string) bool {
	if strings.HasPrefix(path, audioFeaturePrefix) {
		return len(path) > len(audioFeaturePrefix)
	}
	return slices.Contains(scalarPaths, path) || slices.Contains(listPaths, path)
}

// FieldsOf flattens s.
func FieldsOf(s *scene.Scene) Fields {
	f := Fields{
		"start":                      s.Start,
		"end":                        s.End,
		"duration":                   s.Duration(),
		"scene_index":                float64(s.SceneIndex),
		"confidence":                 s.Confidence,
		"quality_score":              s.QualityScore,
		"grade":                      s.Grade(),
		"priority":                   float64(s.Priority),
		"is_highlight":               s.IsHighlight,
		"is_promoted":                s.IsPromoted,
		"is_key_moment":              s.IsKeyMoment,
		"notes":                      s.Notes,
		"version":                    float64(s.Version),
		"metadata.label":             s.Metadata.Label,
		"metadata.has_faces":         s.Metadata.HasFaces,
		"metadata.face_count":        float64(s.Metadata.FaceCount),
		"metadata.has_speech":        s.Metadata.HasSpeech,
		"metadata.speech_confidence": s.Metadata.SpeechConfidence,
		"detection.sensitivity":      s.DetectionParams.Sensitivity,
		"detection.workflow_type":    s.DetectionParams.WorkflowType,
		"custom_tags":                slices.Clone(s.CustomTags),
		"metadata.tags":              slices.Clone(s.Metadata.Tags),
		"metadata.audio_cues":        slices.Clone(s.Metadata.AudioCues),
		"tags":                       scene.TagSet(slices.Concat(s.CustomTags, s.Metadata.Tags)),
	}
	if s.Metadata.Brightness != nil {
		f["metadata.brightness"] = *s.Metadata.Brightness
	}
	if s.Metadata.MotionLevel != nil {
		f["metadata.motion_level"] = *s.Metadata.MotionLevel
	}
	for k, v := range s.Metadata.AudioFeatures {
		f[audioFeaturePrefix+k] = v
	}
	return f
}
