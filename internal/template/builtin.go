package template

import "encoding/json"

const builtinJSON = `[
  {
    "id": "highlights",
    "name": "Highlights",
    "description": "Marks confident, good-looking scenes as highlights.",
    "rules": [
      {"name": "strong", "when": {"confidence": {"$gte": 0.8}, "quality_score": {"$gte": 0.7}},
       "actions": [{"type": "highlight"}, {"type": "tag", "tag": "highlight"}]}
    ]
  },
  {
    "id": "talking_heads",
    "name": "Talking heads",
    "description": "Finds on-camera speech.",
    "rules": [
      {"name": "face_and_speech", "when": {"metadata.has_faces": true, "metadata.has_speech": true},
       "actions": [{"type": "tag", "tag": "talking-head"}]},
      {"name": "clear_speech", "when": {"metadata.has_faces": true, "metadata.speech_confidence": {"$gte": 0.8}},
       "actions": [{"type": "priority", "priority": 3}]}
    ]
  },
  {
    "id": "key_moments",
    "name": "Key moments",
    "description": "Flags scenes with audience reactions or high motion.",
    "rules": [
      {"name": "reaction", "when": {"metadata.audio_cues": {"$in": ["applause", "laughter", "cheering"]}},
       "actions": [{"type": "key_moment"}]},
      {"name": "action", "when": {"$and": [{"metadata.motion_level": {"$gte": 0.7}}, {"confidence": {"$gte": 0.6}}]},
       "actions": [{"type": "key_moment"}, {"type": "tag", "tag": "action"}]}
    ]
  },
  {
    "id": "social_clips",
    "name": "Social clips",
    "description": "Promotes short, strong scenes suitable for social media.",
    "rules": [
      {"name": "short_and_strong",
       "when": {"duration": {"$gte": 5, "$lte": 60},
                "$or": [{"is_highlight": true}, {"is_key_moment": true}, {"quality_score": {"$gte": 0.85}}]},
       "actions": [{"type": "promote"}, {"type": "tag", "tag": "social"}]}
    ]
  },
  {
    "id": "cleanup_low_quality",
    "name": "Low quality cleanup",
    "description": "Deprioritizes weak scenes for review.",
    "rules": [
      {"name": "weak", "when": {"$or": [{"quality_score": {"$lt": 0.4}}, {"duration": {"$lt": 1}}],
                                "$not": {"is_promoted": true}},
       "actions": [{"type": "priority", "priority": -5}, {"type": "tag", "tag": "review"}]}
    ]
  }
]`

// Builtins returns fresh copies of the built-in templates.
func Builtins() []*Template {
	var out []*Template
	if err := json.Unmarshal([]byte(builtinJSON), &out); err != nil {
		panic("template: bad built-in definitions: " + err.Error())
	}
	for _, t := range out {
		t.BuiltIn = true
	}
	return out
}
