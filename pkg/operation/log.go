package operation

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// maxLogLines bounds the in-memory operation log.
const maxLogLines = 10000

// opLog is an operation's progress log. It is kept in memory for LOG fetches
// and mirrored to a file under the session log directory when one is set.
// The file is opened per append so idle operations hold no descriptor.
type opLog struct {
	mu    sync.Mutex
	lines []string
	path  string
	pos   window
}

func newOpLog(dir, name string) *opLog {
	l := &opLog{}
	if dir == "" {
		return l
	}

	path := filepath.Join(dir, name+".log")
	f, err := openLogFile(path)
	if err != nil {
		slog.Warn("operation log file unavailable", "path", path, slogKeyError, err)
		return l
	}
	_ = f.Close()
	l.path = path
	return l
}

func openLogFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // path built from a generated id
}

func (l *opLog) appendf(now time.Time, format string, args ...any) {
	if l == nil {
		return
	}
	line := now.UTC().Format(time.RFC3339Nano) + " " + fmt.Sprintf(format, args...)

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.lines) < maxLogLines {
		l.lines = append(l.lines, line)
	}
	if l.path != "" {
		l.writeLocked(line)
	}
}

func (l *opLog) writeLocked(line string) {
	f, err := openLogFile(l.path)
	if err != nil {
		slog.Debug("opening operation log", "path", l.path, slogKeyError, err)
		return
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		slog.Debug("writing operation log", "path", l.path, slogKeyError, err)
	}
	if err := f.Close(); err != nil {
		slog.Debug("closing operation log", "path", l.path, slogKeyError, err)
	}
}

// fetch returns log lines as single-column rows.
func (l *opLog) fetch(o Orientation, maxRows int) (*RowSet, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	start, end, err := l.pos.advance(o, maxRows, len(l.lines))
	if err != nil {
		return nil, err
	}
	rows := make([][]any, 0, end-start)
	for _, line := range l.lines[start:end] {
		rows = append(rows, []any{line})
	}
	return &RowSet{StartOffset: start, Rows: rows, HasMore: end < len(l.lines)}, nil
}

// remove deletes the log file. Later appends stay in memory only.
func (l *opLog) remove() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.path == "" {
		return
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("removing operation log", "path", l.path, slogKeyError, err)
	}
	l.path = ""
}
