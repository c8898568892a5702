package export

// Selection picks which active scenes of a content item become clips.
type Selection string

const (
	SelectAll        Selection = "all"
	SelectPromoted   Selection = "promoted"
	SelectHighlights Selection = "highlights"
	SelectKeyMoments Selection = "key_moments"
)

// Request asks for an edit decision list of one content item's timeline.
// SceneIDs, when set, takes precedence over Selection. An empty OutputDir
// returns the list inline instead of writing a file.
type Request struct {
	ContentID string    `json:"content_id"`
	Title     string    `json:"title"`
	Format    string    `json:"format"`
	FrameRate float64   `json:"frame_rate"`
	MediaPath string    `json:"media_path"`
	OutputDir string    `json:"output_dir,omitempty"`
	SceneIDs  []string  `json:"scene_ids,omitempty"`
	Selection Selection `json:"selection,omitempty"`
}

type Clip struct {
	Name      string
	MediaPath string
	StartMs   int
	EndMs     int
	SceneID   string
}

type Response struct {
	Status        string   `json:"status"`
	Format        string   `json:"format"`
	OutputPath    string   `json:"output_path,omitempty"`
	ClipCount     int      `json:"clip_count"`
	MissingScenes []string `json:"missing_scenes"`
	EDL           string   `json:"edl,omitempty"`
}
