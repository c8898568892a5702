package pipelines

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/heimdex/heimdex-scenes/internal/detection"
	"github.com/heimdex/heimdex-scenes/internal/scene"
)

const (
	maxStderrBytes = 8 * 1024 // 8 KB tail of stderr kept for diagnostics
)

// Config holds the detector's configuration.
type Config struct {
	PythonPath    string // path to python binary; empty = auto-detect
	ModuleName    string // default "heimdex_media_pipelines"
	ArtifactsBase string // base dir for outputs
	Logger        *slog.Logger
	DebugPaths    bool // if true, log full file paths; otherwise sanitise
	KeepOutputs   bool // keep the --out JSON after parsing
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig(dataDir string, logger *slog.Logger) Config {
	return Config{
		PythonPath:    "", // auto-detect
		ModuleName:    "heimdex_media_pipelines",
		ArtifactsBase: filepath.Join(dataDir, "artifacts"),
		Logger:        logger,
	}
}

// SubprocessDetector implements detection.Detector by running
// `python -m <module> scenes detect`.
type SubprocessDetector struct {
	cfg    Config
	python string // resolved python path
}

var _ detection.Detector = (*SubprocessDetector)(nil)

// NewDetector creates a SubprocessDetector, resolving the Python binary path.
func NewDetector(cfg Config) (*SubprocessDetector, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	python, err := resolvePython(cfg.PythonPath)
	if err != nil {
		return nil, fmt.Errorf("cannot locate python: %w", err)
	}

	if err := os.MkdirAll(cfg.ArtifactsBase, 0755); err != nil {
		return nil, fmt.Errorf("cannot create artifacts dir: %w", err)
	}

	cfg.Logger.Info("scene pipeline initialised",
		"python", python,
		"module", cfg.ModuleName,
		"artifacts_dir", cfg.ArtifactsBase,
	)

	return &SubprocessDetector{cfg: cfg, python: python}, nil
}

func (d *SubprocessDetector) ArtifactsDir() string {
	return d.cfg.ArtifactsBase
}

// DetectScenes runs the scene pipeline for sourceRef and parses its output.
// Cancelling ctx kills the subprocess.
func (d *SubprocessDetector) DetectScenes(ctx context.Context, sourceRef string, params scene.Params, progress detection.ProgressFunc) (*detection.Result, error) {
	outPath := filepath.Join(d.cfg.ArtifactsBase, "scenes-"+scene.NewID()+".json")
	if !d.cfg.KeepOutputs {
		defer os.Remove(outPath)
	}

	result := d.exec(ctx, outPath, progress, append([]string{
		"scenes", "detect",
		"--video", sourceRef,
		"--out", outPath,
	}, paramArgs(params)...)...)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !result.IsSuccess() {
		return nil, fmt.Errorf("scene pipeline exited %d: %s", result.ExitCode, strings.TrimSpace(truncate(result.StderrTail, 512)))
	}

	out, err := d.ValidateOutput(outPath)
	if err != nil {
		return nil, err
	}
	return out.Result(), nil
}

// ValidateOutput reads a scene pipeline JSON output and checks required
// metadata fields.
func (d *SubprocessDetector) ValidateOutput(path string) (*SceneOutput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read output file %s: %w", d.safePath(path), err)
	}

	var out SceneOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("cannot parse output JSON: %w", err)
	}

	if !out.RequiredFieldsPresent() {
		missing := []string{}
		if out.SchemaVersion == "" {
			missing = append(missing, "schema_version")
		}
		if out.PipelineVersion == "" {
			missing = append(missing, "pipeline_version")
		}
		if out.ModelVersion == "" {
			missing = append(missing, "model_version")
		}
		return &out, fmt.Errorf("pipeline output missing required fields: %s", strings.Join(missing, ", "))
	}

	return &out, nil
}

func paramArgs(p scene.Params) []string {
	args := []string{
		"--sensitivity", strconv.FormatFloat(p.Sensitivity, 'f', -1, 64),
		"--min-scene-length", strconv.FormatFloat(p.MinSceneLength, 'f', -1, 64),
		"--fps", strconv.FormatFloat(p.FPS, 'f', -1, 64),
		"--workflow", p.WorkflowType,
	}
	if p.MaxSceneLength > 0 {
		args = append(args, "--max-scene-length", strconv.FormatFloat(p.MaxSceneLength, 'f', -1, 64))
	}
	if p.UseMultiModal {
		args = append(args, "--multi-modal")
	}
	return args
}

// exec is the core subprocess execution helper.
func (d *SubprocessDetector) exec(ctx context.Context, outPath string, progress detection.ProgressFunc, args ...string) RunResult {
	start := time.Now()

	// Ensure output directory exists
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		d.cfg.Logger.Error("cannot create output dir", "error", err)
		return RunResult{ExitCode: -1, StderrTail: err.Error(), Duration: time.Since(start)}
	}

	cmdArgs := append([]string{"-m", d.cfg.ModuleName}, args...)
	cmd := exec.CommandContext(ctx, d.python, cmdArgs...)

	// Capture stderr with bounded buffer
	var stderrBuf bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: maxStderrBytes}
	cmd.Stdout = &progressWriter{fn: progress, logger: d.cfg.Logger}

	d.cfg.Logger.Info("executing pipeline command",
		"args", cmdArgs[:4],
		"video", d.safePath(args[3]),
	)

	err := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
			stderrBuf.WriteString(err.Error())
		}
	}

	stderrTail := stderrBuf.String()

	if exitCode != 0 {
		d.cfg.Logger.Warn("pipeline command failed",
			"exit_code", exitCode,
			"duration_ms", elapsed.Milliseconds(),
			"stderr_tail", truncate(stderrTail, 512),
		)
	} else {
		d.cfg.Logger.Info("pipeline command succeeded",
			"duration_ms", elapsed.Milliseconds(),
			"output", d.safePath(outPath),
		)
	}

	return RunResult{
		ExitCode:   exitCode,
		OutputPath: outPath,
		StderrTail: stderrTail,
		Duration:   elapsed,
	}
}

func (d *SubprocessDetector) safePath(path string) string {
	if d.cfg.DebugPaths {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Base(path)
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return filepath.Base(path)
}

// resolvePython finds a usable python binary.
func resolvePython(preferred string) (string, error) {
	if preferred != "" {
		if p, err := exec.LookPath(preferred); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("configured python %q not found", preferred)
	}
	for _, name := range []string{"python3", "python"} {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no python binary found on PATH (tried python3, python)")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		// Keep only the tail
		b := lw.w.Bytes()
		lw.w.Reset()
		lw.w.Write(b[len(b)-lw.limit:])
	}
	return n, nil
}

// progressWriter splits stdout into lines and forwards those that decode as
// progress updates. Anything else is logged at debug level.
type progressWriter struct {
	fn     detection.ProgressFunc
	logger *slog.Logger

	mu  sync.Mutex
	buf []byte
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	pw.buf = append(pw.buf, p...)
	for {
		i := bytes.IndexByte(pw.buf, '\n')
		if i < 0 {
			break
		}
		pw.handle(bytes.TrimSpace(pw.buf[:i]))
		pw.buf = pw.buf[i+1:]
	}
	if len(pw.buf) > maxStderrBytes {
		pw.buf = pw.buf[:0]
	}
	return len(p), nil
}

func (pw *progressWriter) handle(line []byte) {
	if len(line) == 0 {
		return
	}
	var pl progressLine
	if err := json.Unmarshal(line, &pl); err != nil || pl.Step == "" {
		pw.logger.Debug("pipeline output", "line", truncate(string(line), 256))
		return
	}
	if pw.fn != nil {
		pw.fn(pl.Step, pl.Progress)
	}
}
