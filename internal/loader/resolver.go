package loader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/windlass-ml/windlass/internal/config"
)

const DefaultTag = "latest"

// Manifest describes one cached model: its architecture and the blob
// holding its raw weights.
//
// Cache layout:
//
//	<cacheDir>/manifests/<name>/<tag>   JSON manifest
//	<cacheDir>/blobs/<digest>           flat float32 tensors, blob order
type Manifest struct {
	SchemaVersion int          `json:"schemaVersion"`
	Config        config.Model `json:"config"`
	Digest        string       `json:"digest"`
}

// DefaultCacheDir is used when the runtime config leaves CacheDir
// empty. WINDLASS_MODELS overrides it.
func DefaultCacheDir() (string, error) {
	if env := os.Getenv("WINDLASS_MODELS"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".windlass", "models"), nil
}

// Resolve finds the manifest and weight blob for a model name, which
// may carry a ":tag" suffix ("tiny", "tiny:latest", "tiny:q4").
func Resolve(cacheDir, modelName string) (*Manifest, string, error) {
	name, tag := modelName, DefaultTag
	if i := strings.IndexByte(modelName, ':'); i >= 0 {
		name, tag = modelName[:i], modelName[i+1:]
	}
	if name == "" {
		return nil, "", fmt.Errorf("%w: empty model name", ErrModelNotFound)
	}

	manifestPath := filepath.Join(cacheDir, "manifests", name, tag)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", fmt.Errorf("%w: no manifest at %s", ErrModelNotFound, manifestPath)
		}
		return nil, "", fmt.Errorf("%w: %v", ErrLoadError, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, "", fmt.Errorf("%w: manifest %s: %v", ErrLoadError, manifestPath, err)
	}
	if m.Digest == "" {
		return nil, "", fmt.Errorf("%w: manifest %s has no blob digest", ErrLoadError, manifestPath)
	}

	blobPath := filepath.Join(cacheDir, "blobs", strings.Replace(m.Digest, ":", "-", 1))
	if _, err := os.Stat(blobPath); os.IsNotExist(err) {
		return nil, "", fmt.Errorf("%w: blob %s missing", ErrModelNotFound, blobPath)
	}
	return &m, blobPath, nil
}

// Open resolves modelName in cacheDir and returns a file-backed weight
// source over its blob.
func Open(cacheDir, modelName string) (*FileSource, error) {
	m, blobPath, err := Resolve(cacheDir, modelName)
	if err != nil {
		return nil, err
	}
	return NewFileSource(blobPath, m.Config)
}
