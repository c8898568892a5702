// Package pipelines runs the heimdex-media-pipelines scene detector as a
// Python subprocess and converts its JSON output into detection results.
package pipelines

import (
	"time"

	"github.com/heimdex/heimdex-scenes/internal/detection"
	"github.com/heimdex/heimdex-scenes/internal/scene"
)

// RunResult is the structured outcome of executing a pipeline subprocess.
type RunResult struct {
	ExitCode   int           `json:"exit_code"`
	OutputPath string        `json:"output_path,omitempty"` // path to the --out JSON file
	StderrTail string        `json:"stderr_tail,omitempty"` // last N bytes of stderr
	Duration   time.Duration `json:"duration"`
}

// IsSuccess returns true when the subprocess exited cleanly.
func (r RunResult) IsSuccess() bool { return r.ExitCode == 0 }

// PipelineOutput represents the required metadata fields validated in every
// pipeline JSON output file.
type PipelineOutput struct {
	SchemaVersion   string `json:"schema_version"`
	PipelineVersion string `json:"pipeline_version"`
	ModelVersion    string `json:"model_version"`
}

// RequiredFieldsPresent checks the hard invariants enforced on every output.
func (p PipelineOutput) RequiredFieldsPresent() bool {
	return p.SchemaVersion != "" && p.PipelineVersion != "" && p.ModelVersion != ""
}

type SceneOutput struct {
	PipelineOutput
	VideoID         string        `json:"video_id"`
	TotalDurationMs int           `json:"total_duration_ms"`
	Scenes          []SceneRecord `json:"scenes"`
}

// SceneRecord is one candidate as written by the pipeline. Times are in
// milliseconds.
type SceneRecord struct {
	StartMs          int                `json:"start_ms"`
	EndMs            int                `json:"end_ms"`
	Confidence       *float64           `json:"confidence,omitempty"`
	Quality          *float64           `json:"quality_score,omitempty"`
	Label            string             `json:"label,omitempty"`
	KeywordTags      []string           `json:"keyword_tags,omitempty"`
	HasFaces         bool               `json:"has_faces"`
	FaceCount        int                `json:"face_count,omitempty"`
	HasSpeech        bool               `json:"has_speech"`
	SpeechConfidence float64            `json:"speech_confidence,omitempty"`
	Brightness       *float64           `json:"brightness,omitempty"`
	MotionLevel      *float64           `json:"motion_level,omitempty"`
	AudioCues        []string           `json:"audio_cues,omitempty"`
	AudioFeatures    map[string]float64 `json:"audio_features,omitempty"`
}

func (r SceneRecord) candidate() scene.Candidate {
	c := scene.Candidate{
		Start:         msToSeconds(r.StartMs),
		End:           msToSeconds(r.EndMs),
		Confidence:    r.Confidence,
		Quality:       r.Quality,
		AudioCues:     r.AudioCues,
		AudioFeatures: r.AudioFeatures,
	}
	md := &scene.Metadata{
		Label:            r.Label,
		Tags:             r.KeywordTags,
		HasFaces:         r.HasFaces,
		FaceCount:        r.FaceCount,
		HasSpeech:        r.HasSpeech,
		SpeechConfidence: r.SpeechConfidence,
		Brightness:       r.Brightness,
		MotionLevel:      r.MotionLevel,
	}
	if !md.Empty() {
		c.Metadata = md
	}
	return c
}

// Result converts the pipeline output into a detection result.
func (o *SceneOutput) Result() *detection.Result {
	res := &detection.Result{
		Scenes:        make([]scene.Candidate, len(o.Scenes)),
		MediaDuration: msToSeconds(o.TotalDurationMs),
	}
	for i, r := range o.Scenes {
		res.Scenes[i] = r.candidate()
	}
	return res
}

// progressLine is what the pipeline prints on stdout while it works.
type progressLine struct {
	Step     string `json:"step"`
	Progress int    `json:"progress"`
}

func msToSeconds(ms int) float64 {
	return float64(ms) / 1000
}
