package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimdex/heimdex-scenes/internal/scene"
)

func sampleFields() Fields {
	bright := 0.8
	return FieldsOf(&scene.Scene{
		Start:        10,
		End:          25,
		Confidence:   0.85,
		QualityScore: 0.75,
		Priority:     2,
		CustomTags:   []string{"intro"},
		Metadata: scene.Metadata{
			Label:         "Interview",
			Tags:          []string{"people"},
			HasFaces:      true,
			FaceCount:     2,
			Brightness:    &bright,
			AudioCues:     []string{"applause"},
			AudioFeatures: map[string]float64{"energy": 0.4},
		},
	})
}

func TestCondition_Eval(t *testing.T) {
	f := sampleFields()

	tests := []struct {
		name string
		cond string
		want bool
	}{
		{"eq number", `{"duration": 15}`, true},
		{"eq string", `{"metadata.label": "Interview"}`, true},
		{"eq bool", `{"metadata.has_faces": true}`, true},
		{"ne", `{"priority": {"$ne": 2}}`, false},
		{"gte", `{"confidence": {"$gte": 0.85}}`, true},
		{"gt", `{"confidence": {"$gt": 0.85}}`, false},
		{"range", `{"start": {"$gte": 5, "$lt": 20}}`, true},
		{"range miss", `{"end": {"$gte": 5, "$lt": 20}}`, false},
		{"implicit and", `{"confidence": {"$gte": 0.8}, "metadata.has_speech": true}`, false},
		{"or", `{"$or": [{"metadata.has_speech": true}, {"metadata.face_count": {"$gte": 2}}]}`, true},
		{"not", `{"$not": {"is_promoted": true}}`, true},
		{"nested", `{"$and": [{"$or": [{"grade": "C"}, {"grade": "B"}]}, {"$not": {"duration": {"$lt": 10}}}]}`, true},
		{"list contains", `{"tags": "people"}`, true},
		{"list union", `{"tags": "intro"}`, true},
		{"list ne", `{"custom_tags": {"$ne": "outro"}}`, true},
		{"list in", `{"metadata.audio_cues": {"$in": ["laughter", "applause"]}}`, true},
		{"list in miss", `{"metadata.audio_cues": {"$in": ["laughter"]}}`, false},
		{"scalar in", `{"metadata.label": {"$in": ["Intro", "Interview"]}}`, true},
		{"optional present", `{"metadata.brightness": {"$gt": 0.5}}`, true},
		{"optional missing", `{"metadata.motion_level": {"$gte": 0}}`, false},
		{"optional missing ne", `{"metadata.motion_level": {"$ne": 1}}`, true},
		{"audio feature", `{"metadata.audio_features.energy": {"$lt": 0.5}}`, true},
		{"type mismatch", `{"confidence": "high"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ParseCondition([]byte(tt.cond))
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Eval(f))
		})
	}
}

func TestParseCondition_Errors(t *testing.T) {
	tests := []string{
		`[]`,
		`{}`,
		`{"colour": "red"}`,
		`{"confidence": {"$between": [0, 1]}}`,
		`{"$or": []}`,
		`{"$xor": [{"start": 1}]}`,
		`{"confidence": {}}`,
		`{"tags": {"$in": "a"}}`,
		`{"tags": ["a", "b"]}`,
		`not json`,
	}
	for _, in := range tests {
		t.Run(in, func(t *testing.T) {
			_, err := ParseCondition([]byte(in))
			assert.Error(t, err)
		})
	}
}

func TestMarshalCondition_RoundTrip(t *testing.T) {
	in := `{"$or": [{"confidence": {"$gte": 0.9}}, {"tags": {"$in": ["a", "b"]}}], "$not": {"is_promoted": true}}`
	c, err := ParseCondition([]byte(in))
	require.NoError(t, err)

	out, err := MarshalCondition(c)
	require.NoError(t, err)
	again, err := ParseCondition(out)
	require.NoError(t, err)
	assert.Equal(t, c, again)
}
