// internal/artifacts/store.go
package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formprobe/internal/config"
)

// Checkpoint names a moment in the life of a test case.
type Checkpoint string

const (
	PreFill    Checkpoint = "pre-fill"
	PostFill   Checkpoint = "post-fill"
	PostSubmit Checkpoint = "post-submit"
	Final      Checkpoint = "final"
)

// Snapshotter is the part of a browser page the store reads from.
type Snapshotter interface {
	Screenshot(ctx context.Context) ([]byte, error)
	HTML(ctx context.Context) (string, error)
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Store writes per-case artifacts below <dir>/<run id>/<case id>/.
type Store struct {
	logger *zap.Logger
	cfg    config.ArtifactsConfig
	runDir string
	runID  string
}

// NewRunID returns a sortable, unique run identifier.
func NewRunID(now time.Time) string {
	return fmt.Sprintf("%s-%s", now.UTC().Format("20060102T150405Z"), uuid.NewString()[:8])
}

// NewStore creates the run directory.
func NewStore(cfg config.ArtifactsConfig, runID string, logger *zap.Logger) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("artifacts directory is not configured")
	}
	runDir := filepath.Join(cfg.Dir, sanitize(runID))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifacts directory %s: %w", runDir, err)
	}
	return &Store{
		logger: logger.Named("artifacts"),
		cfg:    cfg,
		runDir: runDir,
		runID:  runID,
	}, nil
}

// RunID returns the identifier of the run.
func (s *Store) RunID() string { return s.runID }

// Dir returns the run directory.
func (s *Store) Dir() string { return s.runDir }

func (s *Store) caseDir(caseID string) (string, error) {
	dir := filepath.Join(s.runDir, sanitize(caseID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Screenshot captures a checkpoint. It is best effort: failures are logged
// and an empty path is returned.
func (s *Store) Screenshot(ctx context.Context, page Snapshotter, caseID string, cp Checkpoint) string {
	if !s.cfg.Screenshots {
		return ""
	}
	log := s.logger.With(zap.String("case", caseID), zap.String("checkpoint", string(cp)))

	png, err := page.Screenshot(ctx)
	if err != nil {
		log.Warn("Screenshot failed.", zap.Error(err))
		return ""
	}
	path, err := s.write(caseID, string(cp)+".png", png)
	if err != nil {
		log.Warn("Could not store screenshot.", zap.Error(err))
		return ""
	}
	return path
}

// FailureScreenshot captures the page after a non-success verdict. It
// ignores the screenshot toggle and is best effort.
func (s *Store) FailureScreenshot(ctx context.Context, page Snapshotter, caseID string) string {
	png, err := page.Screenshot(ctx)
	if err != nil {
		s.logger.Warn("Failure screenshot failed.", zap.String("case", caseID), zap.Error(err))
		return ""
	}
	path, err := s.write(caseID, "failure.png", png)
	if err != nil {
		s.logger.Warn("Could not store failure screenshot.", zap.String("case", caseID), zap.Error(err))
		return ""
	}
	return path
}

// SaveDOM stores the serialized document. Best effort, like Screenshot.
func (s *Store) SaveDOM(ctx context.Context, page Snapshotter, caseID string, cp Checkpoint) string {
	if !s.cfg.SaveDOM {
		return ""
	}
	html, err := page.HTML(ctx)
	if err != nil {
		s.logger.Warn("DOM snapshot failed.", zap.String("case", caseID), zap.Error(err))
		return ""
	}
	path, err := s.write(caseID, string(cp)+".html", []byte(html))
	if err != nil {
		s.logger.Warn("Could not store DOM snapshot.", zap.String("case", caseID), zap.Error(err))
		return ""
	}
	return path
}

// WriteJSON stores v as indented JSON under name.
func (s *Store) WriteJSON(caseID, name string, v interface{}) (string, error) {
	b, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", name, err)
	}
	return s.write(caseID, name, append(b, '\n'))
}

func (s *Store) write(caseID, name string, data []byte) (string, error) {
	dir, err := s.caseDir(caseID)
	if err != nil {
		return "", fmt.Errorf("failed to create case directory: %w", err)
	}
	path := filepath.Join(dir, sanitize(name))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

func sanitize(name string) string {
	clean := unsafeChars.ReplaceAllString(name, "_")
	if clean == "" || clean == "." || clean == ".." {
		return "_"
	}
	return clean
}
