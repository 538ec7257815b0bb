package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/clinaudit/clinaudit/internal/audit"
)

// Batch is a set of events of one policy handed to a sink. Events are in
// chain order.
type Batch struct {
	Policy     string
	Events     []audit.AuditEvent
	ArchivedAt time.Time
}

// Key is the object name of the batch: <policy>/<first>-<last>.jsonl.
// It only depends on the batch contents, so delivering the same batch twice
// overwrites the first copy.
func (b Batch) Key() string {
	first, last := b.Events[0].ChainIndex, b.Events[len(b.Events)-1].ChainIndex
	return path.Join(safeName(b.Policy), fmt.Sprintf("%012d-%012d.jsonl", first, last))
}

// Encode renders the batch as JSON lines.
func (b Batch) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := audit.WriteEvents(&buf, b.Events, "jsonl"); err != nil {
		return nil, fmt.Errorf("encoding archive batch: %w", err)
	}
	return buf.Bytes(), nil
}

// Sink stores archived batches in cold storage. Put must be durable when it
// returns nil; events are only marked archived afterwards.
type Sink interface {
	Put(ctx context.Context, b Batch) error
	// Describe names the destination, for logs and reports.
	Describe() string
}

// FileSink writes batches as JSONL files under a directory.
type FileSink struct {
	dir string
}

// NewFileSink creates dir if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating archive directory %s: %w", dir, err)
	}
	return &FileSink{dir: dir}, nil
}

func (s *FileSink) Describe() string { return "file://" + s.dir }

// Put writes the batch to a temporary file, syncs it and renames it into
// place, so a crash never leaves a partial batch under the final name.
func (s *FileSink) Put(ctx context.Context, b Batch) error {
	if len(b.Events) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := b.Encode()
	if err != nil {
		return err
	}

	final := filepath.Join(s.dir, filepath.FromSlash(b.Key()))
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return fmt.Errorf("creating archive directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(final), ".batch-*")
	if err != nil {
		return fmt.Errorf("creating archive file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing archive file: %w", err)
	}
	// Archived events must survive crashes before they are marked.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing archive file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing archive file: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return fmt.Errorf("publishing archive file %s: %w", final, err)
	}
	return nil
}

// safeName keeps policy names usable as a path segment.
func safeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}
