// Package artifact persists and loads the fitted scaler and outlier model
// as a matched pair.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mchmarny/txguard/pkg/detector"
	"github.com/mchmarny/txguard/pkg/scaler"
)

const (
	ScalerFileName   = "scaler.json"
	ModelFileName    = "model.json"
	ManifestFileName = "manifest.json"

	AlgorithmIsolationForest = "isolation_forest"

	dirMode  = 0700
	fileMode = 0600
)

// Manifest ties a scaler and a model together. The hashes are checked on
// load so a model is never used with a scaler from a different run.
type Manifest struct {
	PairID       string          `json:"pair_id" yaml:"pairId"`
	Algorithm    string          `json:"algorithm" yaml:"algorithm"`
	CreatedAt    time.Time       `json:"created_at" yaml:"createdAt"`
	Features     []string        `json:"features" yaml:"features"`
	TrainingRows int             `json:"training_rows" yaml:"trainingRows"`
	Model        detector.Config `json:"model" yaml:"model"`
	Offset       float64         `json:"offset" yaml:"offset"`
	ScalerSHA256 string          `json:"scaler_sha256" yaml:"scalerSha256"`
	ModelSHA256  string          `json:"model_sha256" yaml:"modelSha256"`
}

// Pair is a loaded, verified scaler and model.
type Pair struct {
	Manifest *Manifest
	Scaler   *scaler.Standard
	Model    *detector.IsolationForest
}

// LoadError reports missing, corrupt or mismatched artifacts.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading artifact %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

var errHashMismatch = errors.New("hash does not match manifest")

// Save writes the scaler, the model and their manifest into dir.
// The manifest is written last.
func Save(dir string, s *scaler.Standard, m *detector.IsolationForest, features []string, rows int) (*Manifest, error) {
	if dir == "" {
		return nil, errors.New("artifacts directory required")
	}
	if s == nil || m == nil {
		return nil, errors.New("scaler and model required")
	}
	if s.Features() != m.Features || len(features) != m.Features {
		return nil, fmt.Errorf("feature count mismatch: scaler %d, model %d, names %d", s.Features(), m.Features, len(features))
	}

	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, fmt.Errorf("creating artifacts dir %s: %w", dir, err)
	}

	scalerHash, err := writeJSON(filepath.Join(dir, ScalerFileName), s)
	if err != nil {
		return nil, err
	}

	modelHash, err := writeJSON(filepath.Join(dir, ModelFileName), m)
	if err != nil {
		return nil, err
	}

	man := &Manifest{
		PairID:       uuid.NewString(),
		Algorithm:    AlgorithmIsolationForest,
		CreatedAt:    time.Now().UTC(),
		Features:     features,
		TrainingRows: rows,
		Model:        m.Config,
		Offset:       m.Offset,
		ScalerSHA256: scalerHash,
		ModelSHA256:  modelHash,
	}

	if _, err := writeJSON(filepath.Join(dir, ManifestFileName), man); err != nil {
		return nil, err
	}

	slog.Debug("artifacts saved", "dir", dir, "pair_id", man.PairID)
	return man, nil
}

// Load reads and verifies the artifact pair in dir.
// Every failure is returned as a *LoadError.
func Load(dir string) (*Pair, error) {
	manPath := filepath.Join(dir, ManifestFileName)
	var man Manifest
	if _, err := readJSON(manPath, &man); err != nil {
		return nil, &LoadError{Path: manPath, Err: err}
	}

	scalerPath := filepath.Join(dir, ScalerFileName)
	var s scaler.Standard
	if err := readVerified(scalerPath, man.ScalerSHA256, &s); err != nil {
		return nil, &LoadError{Path: scalerPath, Err: err}
	}

	modelPath := filepath.Join(dir, ModelFileName)
	var m detector.IsolationForest
	if err := readVerified(modelPath, man.ModelSHA256, &m); err != nil {
		return nil, &LoadError{Path: modelPath, Err: err}
	}

	if len(m.Trees) == 0 {
		return nil, &LoadError{Path: modelPath, Err: detector.ErrNotFitted}
	}
	if s.Features() != m.Features || len(man.Features) != m.Features {
		return nil, &LoadError{Path: dir, Err: fmt.Errorf("feature count mismatch: scaler %d, model %d, manifest %d",
			s.Features(), m.Features, len(man.Features))}
	}

	slog.Debug("artifacts loaded", "dir", dir, "pair_id", man.PairID, "trees", len(m.Trees))
	return &Pair{Manifest: &man, Scaler: &s, Model: &m}, nil
}

// ReadManifest returns the manifest in dir without loading the artifacts.
func ReadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFileName)
	var man Manifest
	if _, err := readJSON(path, &man); err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	return &man, nil
}

func writeJSON(path string, v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding %s: %w", path, err)
	}
	if err := os.WriteFile(path, b, fileMode); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return digest(b), nil
}

func readJSON(path string, v any) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return "", fmt.Errorf("decoding: %w", err)
	}
	return digest(b), nil
}

func readVerified(path, want string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if got := digest(b); got != want {
		return fmt.Errorf("%w: got %s, want %s", errHashMismatch, got, want)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decoding: %w", err)
	}
	return nil
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
