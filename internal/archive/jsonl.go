package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/mesh-intelligence/attic/pkg/types"
)

// JSONL keeps archive records one per line in a single file. Every change
// rewrites the file through a temp file, fsync and rename, so readers never
// see a partial file.
type JSONL struct {
	mu   sync.Mutex
	path string
}

var _ Sink = (*JSONL)(nil)

// NewJSONL returns a sink writing to path. A path naming an existing
// directory gets JSONLFileName appended.
func NewJSONL(path string) (*JSONL, error) {
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		path = filepath.Join(path, JSONLFileName)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}
	return &JSONL{path: path}, nil
}

// Driver implements Sink.
func (j *JSONL) Driver() string { return types.ArchiveJSONL }

// Path returns the archive file location.
func (j *JSONL) Path() string { return j.path }

// Put implements Sink.
func (j *JSONL) Put(ctx context.Context, rec types.ArchiveRecord) error {
	if err := validate(rec); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	recs, err := j.load()
	if err != nil {
		return err
	}
	for _, r := range recs {
		if r.ArchiveID == rec.ArchiveID {
			return types.Invalid("archive", "archive %s already exists", rec.ArchiveID)
		}
	}
	return j.store(append(recs, rec))
}

// Get implements Sink.
func (j *JSONL) Get(ctx context.Context, id string) (*types.ArchiveRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	recs, err := j.load()
	if err != nil {
		return nil, err
	}
	for i := range recs {
		if recs[i].ArchiveID == id {
			return &recs[i], nil
		}
	}
	return nil, types.NotFound("archive", id)
}

// List implements Sink.
func (j *JSONL) List(ctx context.Context) ([]types.ArchiveRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	recs, err := j.load()
	if err != nil {
		return nil, err
	}
	sortRecords(recs)
	return recs, nil
}

// Remove implements Sink.
func (j *JSONL) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	recs, err := j.load()
	if err != nil {
		return err
	}
	for i := range recs {
		if recs[i].ArchiveID == id {
			return j.store(append(recs[:i], recs[i+1:]...))
		}
	}
	return types.NotFound("archive", id)
}

// load reads every record. A missing file is an empty archive; malformed
// lines are skipped.
func (j *JSONL) load() ([]types.ArchiveRecord, error) {
	lines, err := readJSONL(j.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []types.ArchiveRecord{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]types.ArchiveRecord, 0, len(lines))
	for _, line := range lines {
		var rec types.ArchiveRecord
		if err := json.Unmarshal(line, &rec); err != nil || rec.ArchiveID == "" {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (j *JSONL) store(recs []types.ArchiveRecord) error {
	lines := make([]json.RawMessage, len(recs))
	for i, r := range recs {
		b, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encoding archive %s: %w", r.ArchiveID, err)
		}
		lines[i] = b
	}
	return writeJSONL(j.path, lines)
}

func readJSONL(path string) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var records []json.RawMessage
	scanner := bufio.NewScanner(f)
	// Snapshots of large objects exceed the default token size.
	scanner.Buffer(make([]byte, 0, 64*1024), 64<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || !json.Valid(line) {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		records = append(records, cp)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", path, err)
	}
	return records, nil
}

// writeJSONL writes records to path with the temp-file, fsync, rename
// sequence.
func writeJSONL(path string, records []json.RawMessage) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".archive-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	w := bufio.NewWriter(tmp)
	for _, rec := range records {
		if _, err = w.Write(rec); err != nil {
			return fmt.Errorf("writing record: %w", err)
		}
		if err = w.WriteByte('\n'); err != nil {
			return fmt.Errorf("writing newline: %w", err)
		}
	}
	if err = w.Flush(); err != nil {
		return fmt.Errorf("flushing buffer: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
