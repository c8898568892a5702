package export

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/heimdex/heimdex-scenes/internal/scene"
)

// SanitizeName strips control characters, replaces anything outside a small
// safe set with '_', collapses repeated underscores and truncates to maxLen
// runes.
func SanitizeName(s string, maxLen int) string {
	var b strings.Builder
	prevUnderscore := false
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if !isAllowedNameRune(r) {
			r = '_'
		}
		if r == '_' && prevUnderscore {
			continue
		}
		prevUnderscore = r == '_'
		b.WriteRune(r)
	}

	cleaned := strings.TrimSpace(b.String())
	if maxLen > 0 {
		runes := []rune(cleaned)
		if len(runes) > maxLen {
			cleaned = strings.TrimSpace(string(runes[:maxLen]))
		}
	}
	return cleaned
}

func isAllowedNameRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case ' ', '-', '_', '.', ',', '(', ')':
		return true
	default:
		return false
	}
}

// ValidateOutputDir requires an existing, clean directory path without
// traversal segments.
func ValidateOutputDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return scene.NewValidationError("output_dir is required")
	}

	for _, part := range strings.Split(filepath.ToSlash(dir), "/") {
		if part == ".." {
			return scene.NewValidationError("output_dir cannot contain path traversal")
		}
	}
	if filepath.Clean(dir) != dir {
		return scene.NewValidationError("output_dir must be a clean path")
	}

	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return scene.NewValidationError("output_dir does not exist")
		}
		return fmt.Errorf("stat output_dir: %w", err)
	}
	if !info.IsDir() {
		return scene.NewValidationError("output_dir is not a directory")
	}
	return nil
}

// WriteFile writes an EDL as <title>.edl inside dir and returns its path.
func WriteFile(dir, title, edl string) (string, error) {
	if err := ValidateOutputDir(dir); err != nil {
		return "", err
	}
	path := filepath.Join(dir, Title(title)+".edl")
	if err := os.WriteFile(path, []byte(edl), 0o644); err != nil {
		return "", fmt.Errorf("write edl: %w", err)
	}
	return path, nil
}
