// Package audit implements the append-only decision log.
//
// Every component writes its decisions here through a single Logger, which
// serializes sequence-number assignment and file appends. Entries are never
// rewritten; the log is the source of truth for reconstructing approval and
// escalation state after a crash (see replay.go).
package audit

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"switchyard/internal/domain"
)

// Level classifies an audit entry.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarn     Level = "WARN"
	LevelError    Level = "ERROR"
	LevelBlock    Level = "BLOCK"
	LevelEscalate Level = "ESCALATE"
	LevelApprove  Level = "APPROVE"
	LevelDeny     Level = "DENY"
)

// Entry is a single record in the audit log.
// Seq and Timestamp are assigned by the Logger at append time.
type Entry struct {
	Seq       int64
	Timestamp time.Time
	Level     Level
	Agent     string // Component that made the decision.
	Action    string
	UserRole  domain.Role
	Model     string // Tier or tier/provider, "-" when not applicable.
	Outcome   string
	Escalated bool
	Note      string
}

// Line renders the entry in the stable on-disk format:
//
//	[LEVEL] <ISO-8601 UTC> | seq=<n> | agent=<a> | action=<x> | user_role=<r> | model=<m> | outcome=<o> | escalated=<b> | note="<text>"
func (e Entry) Line() string {
	model := e.Model
	if model == "" {
		model = "-"
	}
	role := string(e.UserRole)
	if role == "" {
		role = "-"
	}
	return fmt.Sprintf("[%s] %s | seq=%d | agent=%s | action=%s | user_role=%s | model=%s | outcome=%s | escalated=%t | note=%q",
		e.Level, e.Timestamp.UTC().Format(time.RFC3339), e.Seq, e.Agent, e.Action, role, model, e.Outcome, e.Escalated, e.Note)
}

// Logger appends entries to a file, assigning strictly increasing sequence
// numbers with no gaps. Safe for concurrent use.
type Logger struct {
	mu     sync.Mutex
	file   *os.File
	seq    int64
	logger *slog.Logger
}

// NewLogger opens (or creates) the audit log in append-only mode.
// If the file already contains entries, sequence numbering resumes after the
// highest existing number so replays stay gap-free across restarts.
func NewLogger(path string, logger *slog.Logger) (*Logger, error) {
	last, err := lastSeq(path)
	if err != nil {
		return nil, fmt.Errorf("scanning audit log %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &Logger{file: f, seq: last, logger: logger}, nil
}

// Append assigns the next sequence number and writes the entry.
// A write failure is returned to the caller; for dangerous or escalated
// actions the caller must not proceed on error.
func (l *Logger) Append(ctx context.Context, e Entry) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	e.Seq = l.seq
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	if _, err := l.file.WriteString(e.Line() + "\n"); err != nil {
		// Roll the counter back so the sequence stays gap-free.
		l.seq--
		return Entry{}, fmt.Errorf("appending audit entry: %w", err)
	}

	l.logger.InfoContext(ctx, "audit entry appended",
		slog.Int64("seq", e.Seq),
		slog.String("level", string(e.Level)),
		slog.String("agent", e.Agent),
		slog.String("action", e.Action),
		slog.String("outcome", e.Outcome),
	)
	return e, nil
}

// Seq returns the last assigned sequence number.
func (l *Logger) Seq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Close closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// lastSeq returns the highest sequence number already present in the file,
// or 0 if the file does not exist or is empty.
func lastSeq(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	var last int64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		e, err := ParseLine(line)
		if err != nil {
			continue // Tolerate trailing garbage from a torn write.
		}
		if e.Seq > last {
			last = e.Seq
		}
	}
	if err := sc.Err(); err != nil && err != io.EOF {
		return 0, err
	}
	return last, nil
}
