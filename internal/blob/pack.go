package blob

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/tangramd/tangram/internal/store"
	"github.com/tangramd/tangram/internal/tgerror"
)

// PackWriter appends leaf bytes to a single packed file for one
// ingest, recording (position, length) for each leaf so the blob
// store can later seek directly to it (spec §4.3). A PackWriter keeps
// appending to the same file until it is closed; tangramd opens one at
// startup and every ingest shares it, so leaves are not split into one
// file per ingest.
type PackWriter struct {
	mu     sync.Mutex
	file   *os.File
	id     string
	offset int64
}

// NewPackWriter creates a new packed blob file under dir.
func NewPackWriter(dir string) (*PackWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, tgerror.IOErr(err, "create blobs directory %q", dir)
	}
	packID := uuid.NewString()
	path := filepath.Join(dir, packID+".pack")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, tgerror.IOErr(err, "create pack file %q", path)
	}
	return &PackWriter{file: f, id: packID}, nil
}

// Append writes data to the pack and returns its location.
func (p *PackWriter) Append(data []byte) (store.LeafLocation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, err := p.file.Write(data)
	if err != nil {
		return store.LeafLocation{}, tgerror.IOErr(err, "append to pack %q", p.id)
	}
	loc := store.LeafLocation{EntryBlobID: p.id, Position: p.offset, Length: int64(n)}
	p.offset += int64(n)
	return loc, nil
}

// Close closes the underlying file; the pack remains on disk for
// subsequent random-access reads.
func (p *PackWriter) Close() error {
	return p.file.Close()
}

// PackReader resolves leaf locations back into bytes, opening pack
// files lazily and caching file handles per ingest.
type PackReader struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
}

// NewPackReader creates a reader rooted at the blobs directory.
func NewPackReader(dir string) *PackReader {
	return &PackReader{dir: dir, files: make(map[string]*os.File)}
}

// Read returns exactly loc.Length bytes at loc.Position from the pack
// named loc.EntryBlobID.
func (r *PackReader) Read(loc store.LeafLocation) ([]byte, error) {
	f, err := r.open(loc.EntryBlobID)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, loc.Length)
	if _, err := f.ReadAt(buf, loc.Position); err != nil {
		return nil, tgerror.IOErr(err, "read pack %q at %d", loc.EntryBlobID, loc.Position)
	}
	return buf, nil
}

func (r *PackReader) open(packID string) (*os.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.files[packID]; ok {
		return f, nil
	}
	path := filepath.Join(r.dir, packID+".pack")
	f, err := os.Open(path)
	if err != nil {
		return nil, tgerror.IOErr(err, "open pack %q", path)
	}
	r.files[packID] = f
	return f, nil
}

// Close closes every open pack file handle.
func (r *PackReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for id, f := range r.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close pack %q: %w", id, err)
		}
	}
	r.files = make(map[string]*os.File)
	return firstErr
}
