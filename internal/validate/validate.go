// Package validate checks raw detector candidates and collapses near
// duplicates before they become scenes.
package validate

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"github.com/heimdex/heimdex-scenes/internal/scene"
)

// Policy controls whether a too-short scene is an error or a warning.
type Policy string

const (
	PolicyError Policy = "error"
	PolicyWarn  Policy = "warn"
)

// Issue codes
const (
	CodeNegativeStart   = "negative_start"
	CodeInvalidInterval = "invalid_interval"
	CodeTooShort        = "too_short"
	CodeTooLong         = "too_long"
	CodeUnsorted        = "unsorted"
	CodeOverlap         = "overlap"
	CodeSmallGap        = "small_gap"
	CodeLowConfidence   = "low_confidence"
	CodeMissingMetadata = "missing_metadata"
	CodeDuplicate       = "duplicate"
)

const (
	DefaultDedupThreshold = 0.5
	DefaultMaxOverlap     = 0.1
	DefaultMinGap         = 0.05
	DefaultMinConfidence  = 0.3
)

type BoundaryOptions struct {
	MinLength  float64
	MaxLength  float64 // 0 disables the check
	MinGap     float64
	MaxOverlap float64
	// MinLengthPolicy defaults to PolicyError.
	MinLengthPolicy Policy
}

type QualityOptions struct {
	MinConfidence   float64
	RequireMetadata bool
}

type Options struct {
	Boundary       BoundaryOptions
	Quality        QualityOptions
	DedupThreshold float64
}

// OptionsFor derives validation options from resolved detection parameters.
func OptionsFor(p scene.Params) Options {
	return Options{
		Boundary: BoundaryOptions{
			MinLength:       p.MinSceneLength,
			MaxLength:       p.MaxSceneLength,
			MinGap:          DefaultMinGap,
			MaxOverlap:      DefaultMaxOverlap,
			MinLengthPolicy: PolicyError,
		},
		Quality:        QualityOptions{MinConfidence: DefaultMinConfidence},
		DedupThreshold: DefaultDedupThreshold,
	}
}

// Issue is one finding. Index refers to the candidate's position in the
// (sorted) input.
type Issue struct {
	Code    string  `json:"code"`
	Index   int     `json:"index"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Message string  `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s at #%d [%.3f,%.3f): %s", i.Code, i.Index, i.Start, i.End, i.Message)
}

type Report struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

func (r *Report) errorf(code string, idx int, c scene.Candidate, format string, args ...any) {
	r.Errors = append(r.Errors, Issue{Code: code, Index: idx, Start: c.Start, End: c.End, Message: fmt.Sprintf(format, args...)})
}

func (r *Report) warnf(code string, idx int, c scene.Candidate, format string, args ...any) {
	r.Warnings = append(r.Warnings, Issue{Code: code, Index: idx, Start: c.Start, End: c.End, Message: fmt.Sprintf(format, args...)})
}

func (r *Report) finish() Report {
	r.Valid = len(r.Errors) == 0
	if r.Errors == nil {
		r.Errors = []Issue{}
	}
	if r.Warnings == nil {
		r.Warnings = []Issue{}
	}
	return *r
}

// ValidateBoundaries checks every candidate and the sequence they form.
// Candidates must already be sorted by start.
func ValidateBoundaries(cands []scene.Candidate, opts BoundaryOptions) Report {
	var r Report
	for i, c := range cands {
		checkScene(&r, i, c, opts)
	}
	checkSequence(&r, cands, identity(len(cands)), opts)
	return r.finish()
}

// checkScene reports per-scene problems and returns false when the candidate
// must not be kept.
func checkScene(r *Report, idx int, c scene.Candidate, opts BoundaryOptions) bool {
	if c.Start < 0 {
		r.errorf(CodeNegativeStart, idx, c, "start %.3f is negative", c.Start)
		return false
	}
	if !(c.End > c.Start) || math.IsNaN(c.Start) || math.IsNaN(c.End) {
		r.errorf(CodeInvalidInterval, idx, c, "end %.3f is not after start %.3f", c.End, c.Start)
		return false
	}

	d := c.Duration()
	if opts.MinLength > 0 && d < opts.MinLength {
		if opts.MinLengthPolicy == PolicyWarn {
			r.warnf(CodeTooShort, idx, c, "duration %.3fs below minimum %.3fs", d, opts.MinLength)
		} else {
			r.errorf(CodeTooShort, idx, c, "duration %.3fs below minimum %.3fs", d, opts.MinLength)
		}
		return false
	}
	if opts.MaxLength > 0 && d > opts.MaxLength {
		r.warnf(CodeTooLong, idx, c, "duration %.3fs above maximum %.3fs", d, opts.MaxLength)
	}
	return true
}

// checkSequence inspects consecutive candidates. idx maps positions in cands
// back to the caller's indices.
func checkSequence(r *Report, cands []scene.Candidate, idx []int, opts BoundaryOptions) {
	for i := 1; i < len(cands); i++ {
		prev, cur := cands[i-1], cands[i]
		if cur.Start < prev.Start {
			r.errorf(CodeUnsorted, idx[i], cur, "starts before previous scene at %.3f", prev.Start)
			continue
		}
		if overlap := prev.End - cur.Start; overlap > opts.MaxOverlap {
			r.errorf(CodeOverlap, idx[i], cur, "overlaps previous scene by %.3fs", overlap)
			continue
		}
		if gap := cur.Start - prev.End; gap > 0 && gap < opts.MinGap {
			r.warnf(CodeSmallGap, idx[i], cur, "gap of %.3fs after previous scene", gap)
		}
	}
}

// ValidateQuality checks confidence and, when required, metadata presence.
func ValidateQuality(c scene.Candidate, opts QualityOptions) Report {
	var r Report
	checkQuality(&r, 0, c, opts)
	return r.finish()
}

func checkQuality(r *Report, idx int, c scene.Candidate, opts QualityOptions) bool {
	conf := scene.DefaultConfidence
	if c.Confidence != nil {
		conf = *c.Confidence
	}
	if conf < opts.MinConfidence {
		r.warnf(CodeLowConfidence, idx, c, "confidence %.2f below %.2f", conf, opts.MinConfidence)
	}
	if opts.RequireMetadata && (c.Metadata == nil || c.Metadata.Empty()) {
		r.errorf(CodeMissingMetadata, idx, c, "metadata is required")
		return false
	}
	return true
}

// Similarity scores how alike two intervals are: 1 minus the largest of the
// start, end and duration deltas divided by the longer duration.
func Similarity(a, b scene.Candidate) float64 {
	maxDur := math.Max(a.Duration(), b.Duration())
	if maxDur <= 0 {
		return 0
	}
	delta := math.Max(math.Abs(a.Start-b.Start), math.Max(math.Abs(a.End-b.End), math.Abs(a.Duration()-b.Duration())))
	return 1 - delta/maxDur
}

// Deduplicate keeps candidates in order, dropping any whose similarity to an
// already kept candidate exceeds threshold. It returns the kept candidates and
// one warning per dropped candidate.
func Deduplicate(cands []scene.Candidate, threshold float64) ([]scene.Candidate, []Issue) {
	kept, _, dropped := dedup(cands, identity(len(cands)), threshold)
	return kept, dropped
}

func dedup(cands []scene.Candidate, idx []int, threshold float64) ([]scene.Candidate, []int, []Issue) {
	kept := make([]scene.Candidate, 0, len(cands))
	keptIdx := make([]int, 0, len(cands))
	var dropped []Issue

	for i, c := range cands {
		dup := -1
		var sim float64
		for k, other := range kept {
			if s := Similarity(c, other); s > threshold {
				dup, sim = k, s
				break
			}
		}
		if dup >= 0 {
			dropped = append(dropped, Issue{
				Code: CodeDuplicate, Index: idx[i], Start: c.Start, End: c.End,
				Message: fmt.Sprintf("similarity %.2f to kept scene #%d", sim, keptIdx[dup]),
			})
			continue
		}
		kept = append(kept, c)
		keptIdx = append(keptIdx, idx[i])
	}
	return kept, keptIdx, dropped
}

// Result is the outcome of ValidateAll.
type Result struct {
	Scenes        []scene.Candidate `json:"-"`
	Valid         bool              `json:"valid"`
	Errors        []Issue           `json:"errors"`
	Warnings      []Issue           `json:"warnings"`
	OriginalCount int               `json:"original_count"`
	FinalCount    int               `json:"final_count"`
}

// Err returns a *scene.ValidationError when the result has errors.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	problems := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		problems[i] = e.String()
	}
	return scene.NewValidationError(problems...)
}

// ValidateAll sorts the candidates, applies boundary then quality checks,
// deduplicates, and finally checks the cleaned sequence for overlaps and gaps.
// Candidates failing a per-scene check are removed from the output.
func ValidateAll(cands []scene.Candidate, opts Options) Result {
	sorted := slices.Clone(cands)
	slices.SortStableFunc(sorted, func(a, b scene.Candidate) int {
		return cmp.Compare(a.Start, b.Start)
	})

	var r Report
	pass := make([]scene.Candidate, 0, len(sorted))
	passIdx := make([]int, 0, len(sorted))
	for i, c := range sorted {
		if !checkScene(&r, i, c, opts.Boundary) {
			continue
		}
		if !checkQuality(&r, i, c, opts.Quality) {
			continue
		}
		pass = append(pass, c)
		passIdx = append(passIdx, i)
	}

	threshold := opts.DedupThreshold
	if threshold <= 0 {
		threshold = DefaultDedupThreshold
	}
	kept, keptIdx, dropped := dedup(pass, passIdx, threshold)
	r.Warnings = append(r.Warnings, dropped...)

	checkSequence(&r, kept, keptIdx, opts.Boundary)
	report := r.finish()

	return Result{
		Scenes:        kept,
		Valid:         report.Valid,
		Errors:        report.Errors,
		Warnings:      report.Warnings,
		OriginalCount: len(cands),
		FinalCount:    len(kept),
	}
}

// Count returns how many issues carry code.
func Count(issues []Issue, code string) int {
	n := 0
	for _, i := range issues {
		if i.Code == code {
			n++
		}
	}
	return n
}

func identity(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}
