package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/medaid/medaid/internal/cache/schema"
)

// ImportResult reports what Import stored.
type ImportResult struct {
	Imported map[string]int
	Total    int
	// Errors lists lines that were skipped or failed to store.
	Errors []string
}

// ImportFile seeds sink from the snapshot at path.
func ImportFile(ctx context.Context, sink Sink, path string) (*ImportResult, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()
	return Import(ctx, sink, f)
}

// Import reads snapshot lines from r and upserts them one collection at a
// time. Lines naming an unknown collection, or holding a record that does not
// decode or validate, are reported in ImportResult.Errors and skipped.
// Malformed JSON stops the import.
func Import(ctx context.Context, sink Sink, r io.Reader) (*ImportResult, error) {
	result := &ImportResult{Imported: make(map[string]int)}
	batches := make(map[string][]schema.Record)

	dec := json.NewDecoder(r)
	for lineNum := 1; ; lineNum++ {
		var line Line
		if err := dec.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}

		c, ok := schema.CollectionByName(line.Collection)
		if !ok {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: unknown collection %q", lineNum, line.Collection))
			continue
		}
		rec, err := schema.DecodeRecord(c, line.Record)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", lineNum, err))
			continue
		}
		if err := rec.Validate(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: invalid %s record: %v", lineNum, c.Name, err))
			continue
		}
		batches[c.Name] = append(batches[c.Name], rec)
	}

	for _, c := range schema.Collections() {
		recs := batches[c.Name]
		if len(recs) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := sink.BulkPutContext(ctx, recs); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", c.Name, err))
			continue
		}
		result.Imported[c.Name] = len(recs)
		result.Total += len(recs)
	}
	return result, nil
}
