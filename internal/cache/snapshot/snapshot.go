// Package snapshot exports the local cache to a JSONL file and seeds a cache
// from one.
//
// Each line of a snapshot holds one record:
//
//	{"collection":"health_ids","record":{...}}
//
// A YAML manifest with per-collection counts is written next to it.
package snapshot

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/medaid/medaid/internal/cache/schema"
)

// FormatVersion is written to every manifest.
const FormatVersion = 1

// ContentType is used when uploading snapshot files.
const ContentType = "application/x-ndjson"

// Line is one record of a snapshot file.
type Line struct {
	Collection string          `json:"collection"`
	Record     json.RawMessage `json:"record"`
}

// Manifest describes a snapshot file.
type Manifest struct {
	Version     int            `yaml:"version"`
	CreatedAt   time.Time      `yaml:"created_at"`
	Source      string         `yaml:"source,omitempty"`
	File        string         `yaml:"file"`
	Records     int            `yaml:"records"`
	Collections map[string]int `yaml:"collections"`
}

// Source lists every stored document of a collection.
type Source interface {
	AllContext(ctx context.Context, c schema.Collection) ([]json.RawMessage, error)
}

// Sink upserts records.
type Sink interface {
	BulkPutContext(ctx context.Context, recs []schema.Record) error
}

// Uploader copies a finished snapshot offsite.
type Uploader interface {
	Upload(ctx context.Context, key, contentType string, r io.Reader) error
}

// ExportOptions configures Export.
type ExportOptions struct {
	Path       string   // output JSONL path
	SourceName string   // recorded in the manifest, usually the cache path
	Upload     Uploader // optional
	KeyPrefix  string   // object key prefix for uploads
}

// ExportResult reports what Export wrote.
type ExportResult struct {
	Path         string
	ManifestPath string
	Manifest     *Manifest
	Uploaded     []string
}

// ManifestPath returns the manifest path that belongs to a snapshot file.
func ManifestPath(snapshotPath string) string {
	return strings.TrimSuffix(snapshotPath, filepath.Ext(snapshotPath)) + ".manifest.yaml"
}

// Export writes every cached collection to opts.Path.
func Export(ctx context.Context, src Source, opts ExportOptions) (*ExportResult, error) {
	if opts.Path == "" {
		return nil, errors.New("snapshot path is required")
	}

	manifest := &Manifest{
		Version:     FormatVersion,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
		Source:      opts.SourceName,
		File:        filepath.Base(opts.Path),
		Collections: make(map[string]int),
	}

	err := writeAtomic(opts.Path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		for _, c := range schema.Collections() {
			docs, err := src.AllContext(ctx, c)
			if err != nil {
				return err
			}
			for _, doc := range docs {
				if err := enc.Encode(Line{Collection: c.Name, Record: doc}); err != nil {
					return fmt.Errorf("failed to encode %s record: %w", c.Name, err)
				}
			}
			manifest.Collections[c.Name] = len(docs)
			manifest.Records += len(docs)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to write snapshot: %w", err)
	}

	result := &ExportResult{
		Path:         opts.Path,
		ManifestPath: ManifestPath(opts.Path),
		Manifest:     manifest,
	}
	if err := WriteManifest(result.ManifestPath, manifest); err != nil {
		return nil, err
	}

	if opts.Upload != nil {
		for _, p := range []string{result.Path, result.ManifestPath} {
			key, err := upload(ctx, opts.Upload, opts.KeyPrefix, p)
			if err != nil {
				return result, err
			}
			result.Uploaded = append(result.Uploaded, key)
		}
	}
	return result, nil
}

func upload(ctx context.Context, up Uploader, prefix, path string) (string, error) {
	// #nosec G304 - path was just written by Export
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s for upload: %w", path, err)
	}
	defer f.Close()

	key := filepath.Base(path)
	if prefix != "" {
		key = strings.TrimSuffix(prefix, "/") + "/" + key
	}
	contentType := ContentType
	if strings.HasSuffix(path, ".yaml") {
		contentType = "application/yaml"
	}
	if err := up.Upload(ctx, key, contentType, f); err != nil {
		return "", err
	}
	return key, nil
}

// WriteManifest writes m as YAML to path atomically.
func WriteManifest(path string, m *Manifest) error {
	err := writeAtomic(path, func(w io.Writer) error {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(m); err != nil {
			return err
		}
		return enc.Close()
	})
	if err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// ReadManifest loads a manifest written by Export.
func ReadManifest(path string) (*Manifest, error) {
	// #nosec G304 - controlled path from CLI
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}

// writeAtomic writes path through a temp file in the same directory.
func writeAtomic(path string, fill func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	w := bufio.NewWriter(tmp)
	if err := fill(w); err != nil {
		tmp.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
