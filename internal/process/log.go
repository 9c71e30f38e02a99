package process

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/tangramd/tangram/internal/id"
	"github.com/tangramd/tangram/internal/tgerror"
)

// Log is one process's append-only byte log (spec §4.7). Writers
// append; readers request (position, length) slices or subscribe for
// live tails, with file-like seek_start/seek_end/seek_current
// position semantics.
type Log struct {
	mu   sync.Mutex
	file *os.File
	size int64

	subscribers []chan []byte
}

// LogStore opens per-process logs under a root "logs/" directory
// (spec §6 persisted state layout).
type LogStore struct {
	dir string

	mu   sync.Mutex
	open map[string]*Log
}

// NewLogStore creates a LogStore rooted at dir.
func NewLogStore(dir string) *LogStore {
	return &LogStore{dir: dir, open: make(map[string]*Log)}
}

// Open returns the Log for a process, creating its file on first use.
func (s *LogStore) Open(processID id.ID) (*Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := processID.String()
	if l, ok := s.open[key]; ok {
		return l, nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, tgerror.IOErr(err, "create logs directory %q", s.dir)
	}
	path := filepath.Join(s.dir, key+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, tgerror.IOErr(err, "open process log %q", path)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, tgerror.IOErr(err, "stat process log %q", path)
	}
	l := &Log{file: f, size: info.Size()}
	s.open[key] = l
	return l, nil
}

// SeekWhence mirrors a file's seek semantics for log reads.
type SeekWhence int

const (
	SeekStart SeekWhence = iota
	SeekCurrent
	SeekEnd
)

// Append writes data to the log's tail and notifies subscribers.
func (l *Log) Append(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, err := l.file.Write(data)
	if err != nil {
		return tgerror.IOErr(err, "append to process log")
	}
	l.size += int64(n)
	for _, ch := range l.subscribers {
		select {
		case ch <- append([]byte(nil), data...):
		default:
		}
	}
	return nil
}

// Read returns up to length bytes starting at the given position,
// resolved against whence the way a file's Seek would resolve it.
func (l *Log) Read(position int64, whence SeekWhence, length int64) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var absolute int64
	switch whence {
	case SeekStart:
		absolute = position
	case SeekCurrent:
		absolute = position // caller tracks "current" externally; treated as absolute here
	case SeekEnd:
		absolute = l.size + position
	}
	if absolute < 0 || absolute > l.size {
		return nil, tgerror.Invalidf("log read position %d out of bounds (size %d)", absolute, l.size)
	}
	remaining := l.size - absolute
	if length > remaining {
		length = remaining
	}
	buf := make([]byte, length)
	if length > 0 {
		if _, err := l.file.ReadAt(buf, absolute); err != nil {
			return nil, tgerror.IOErr(err, "read process log at %d", absolute)
		}
	}
	return buf, nil
}

// Subscribe returns a channel that receives every subsequently
// appended chunk, and an unsubscribe function.
func (l *Log) Subscribe() (<-chan []byte, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := make(chan []byte, 64)
	l.subscribers = append(l.subscribers, ch)
	unsubscribe := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, c := range l.subscribers {
			if c == ch {
				l.subscribers = append(l.subscribers[:i], l.subscribers[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return ch, unsubscribe
}

// Close closes the log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
