package audit

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"switchyard/internal/domain"
)

// Component names used in the Agent field. Shared here so replay can
// attribute entries back to their writers.
const (
	AgentSwitchboard = "switchboard"
	AgentWarden      = "warden"
	AgentGovernor    = "governor"
	AgentRateLimit   = "ratelimit"
	AgentLedger      = "ledger"
	AgentEngine      = "engine"
)

// Action names with replay significance. Other components may log free-form
// actions; only these participate in state reconstruction.
const (
	ActionApprovalSubmit  = "approval.submit"
	ActionApprovalApprove = "approval.approve"
	ActionApprovalDeny    = "approval.deny"
	ActionApprovalExpire  = "approval.expire"
	ActionApprovalCancel  = "approval.cancel"
	ActionEscalateAttempt = "escalation.attempt"
)

// NoteKV formats key/value pairs into the free-text note field in a form
// ParseNote can recover. Values must not contain spaces.
func NoteKV(pairs ...string) string {
	if len(pairs)%2 != 0 {
		panic("NoteKV requires an even number of arguments")
	}
	parts := make([]string, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		parts = append(parts, pairs[i]+"="+pairs[i+1])
	}
	return strings.Join(parts, " ")
}

// ParseNote extracts key=value tokens from a note written with NoteKV.
// Non-token words are ignored.
func ParseNote(note string) map[string]string {
	kv := make(map[string]string)
	for _, tok := range strings.Fields(note) {
		if k, v, ok := strings.Cut(tok, "="); ok && k != "" {
			kv[k] = v
		}
	}
	return kv
}

// ParseLine parses a single audit log line back into an Entry.
func ParseLine(line string) (Entry, error) {
	var e Entry

	if !strings.HasPrefix(line, "[") {
		return e, fmt.Errorf("audit line missing level: %q", line)
	}
	end := strings.Index(line, "] ")
	if end < 0 {
		return e, fmt.Errorf("audit line missing level delimiter: %q", line)
	}
	e.Level = Level(line[1:end])
	rest := line[end+2:]

	// The quoted note is last and may contain field separators.
	noteIdx := strings.LastIndex(rest, " | note=")
	if noteIdx < 0 {
		return e, fmt.Errorf("audit line missing note: %q", line)
	}
	note, err := strconv.Unquote(rest[noteIdx+len(" | note="):])
	if err != nil {
		return e, fmt.Errorf("unquoting note: %w", err)
	}
	e.Note = note

	fields := strings.Split(rest[:noteIdx], " | ")
	if len(fields) < 8 {
		return e, fmt.Errorf("audit line has %d fields, want 8: %q", len(fields), line)
	}

	ts, err := time.Parse(time.RFC3339, fields[0])
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}
	e.Timestamp = ts

	for _, f := range fields[1:] {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			return e, fmt.Errorf("malformed field %q", f)
		}
		switch k {
		case "seq":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return e, fmt.Errorf("parsing seq: %w", err)
			}
			e.Seq = n
		case "agent":
			e.Agent = v
		case "action":
			e.Action = v
		case "user_role":
			if v != "-" {
				e.UserRole = domain.Role(v)
			}
		case "model":
			if v != "-" {
				e.Model = v
			}
		case "outcome":
			e.Outcome = v
		case "escalated":
			e.Escalated = v == "true"
		}
	}
	return e, nil
}

// Read parses a full audit log stream, skipping blank lines.
// A malformed final line (torn write) is tolerated; malformed interior
// lines are not.
func Read(r io.Reader) ([]Entry, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var entries []Entry
	var pendingErr error
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if pendingErr != nil {
			return nil, pendingErr
		}
		e, err := ParseLine(line)
		if err != nil {
			pendingErr = err // Only fatal if another line follows.
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// AttemptRecord is one escalation attempt recovered from the log.
type AttemptRecord struct {
	Tier    domain.Tier
	Outcome string
	Reason  string
}

// State is the component state reconstructed from a linear log history.
type State struct {
	// Approvals maps approval request ID to its last known state
	// ("pending", "approved", "denied", "expired"). Cancellations read
	// back as denied; the cancel action distinguishes them.
	Approvals map[string]string
	// ApprovedBy maps approval request ID to the resolver's actor ID.
	ApprovedBy map[string]string
	// Attempts maps task ID to its ordered escalation attempts.
	Attempts map[string][]AttemptRecord
}

// Replay folds a sequence of entries into reconstructed Warden and Governor
// state. Entries must be in sequence order; later entries win, which is safe
// because approval states are terminal once resolved.
func Replay(entries []Entry) *State {
	st := &State{
		Approvals:  make(map[string]string),
		ApprovedBy: make(map[string]string),
		Attempts:   make(map[string][]AttemptRecord),
	}
	for _, e := range entries {
		kv := ParseNote(e.Note)
		switch e.Action {
		case ActionApprovalSubmit:
			if id := kv["request"]; id != "" {
				st.Approvals[id] = "pending"
			}
		case ActionApprovalApprove, ActionApprovalDeny, ActionApprovalExpire, ActionApprovalCancel:
			id := kv["request"]
			if id == "" {
				continue
			}
			// Terminal states are immutable: first resolution wins.
			if cur, ok := st.Approvals[id]; ok && cur != "pending" {
				continue
			}
			st.Approvals[id] = e.Outcome
			if by := kv["by"]; by != "" {
				st.ApprovedBy[id] = by
			}
		case ActionEscalateAttempt:
			id := kv["task"]
			if id == "" {
				continue
			}
			tier := e.Model
			if t, _, ok := strings.Cut(e.Model, "/"); ok {
				tier = t
			}
			st.Attempts[id] = append(st.Attempts[id], AttemptRecord{
				Tier:    domain.Tier(tier),
				Outcome: e.Outcome,
				Reason:  kv["reason"],
			})
		}
	}
	return st
}
