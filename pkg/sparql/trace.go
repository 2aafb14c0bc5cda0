package sparql

import (
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
)

// Tracer dumps every query with its raw response to a per-run directory so a
// surprising mapping result can be replayed query by query.
type Tracer struct {
	dir string
	seq atomic.Int64
}

// NewTracer creates the trace directory for a run. An empty baseDir falls
// back to the system temp directory.
func NewTracer(baseDir, runID string) (*Tracer, error) {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	dir := filepath.Join(baseDir, "wbmigrate-trace-"+runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create trace directory: %w", err)
	}
	slog.Info("SPARQL trace enabled", "dir", dir)
	return &Tracer{dir: dir}, nil
}

// Dir returns the trace directory, or "" on a nil tracer.
func (t *Tracer) Dir() string {
	if t == nil {
		return ""
	}
	return t.dir
}

type traceEntry struct {
	Query    string          `json:"query"`
	Response json.RawMessage `json:"response,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Record writes one query/response pair. Safe on a nil tracer, so callers
// never guard the call site.
func (t *Tracer) Record(query string, response []byte, err error) {
	if t == nil {
		return
	}

	entry := traceEntry{Query: query}
	switch {
	case err != nil:
		entry.Error = err.Error()
	case json.Valid(response):
		entry.Response = response
	default:
		entry.Error = "non-JSON response: " + string(response)
	}

	data, merr := json.MarshalIndent(entry, "", "  ")
	if merr != nil {
		slog.Warn("Trace marshal failed", "error", merr)
		return
	}

	sum := sha512.Sum512([]byte(query))
	name := fmt.Sprintf("%s-%04d.json", hex.EncodeToString(sum[:8]), t.seq.Add(1))
	if werr := os.WriteFile(filepath.Join(t.dir, name), data, 0o644); werr != nil {
		slog.Warn("Trace write failed", "file", name, "error", werr)
	}
}
