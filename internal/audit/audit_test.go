package audit

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"switchyard/internal/domain"
)

func testLogger(t *testing.T) (*Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := NewLogger(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, path
}

func TestEntry_LineRoundTrip(t *testing.T) {
	e := Entry{
		Seq:       42,
		Timestamp: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		Level:     LevelApprove,
		Agent:     AgentWarden,
		Action:    ActionApprovalApprove,
		UserRole:  domain.RoleOwner,
		Model:     "paid-high/alto",
		Outcome:   "approved",
		Escalated: true,
		Note:      NoteKV("request", "abc123", "by", "owner-1"),
	}

	got, err := ParseLine(e.Line())
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if got != e {
		t.Errorf("round trip mismatch:\n got  %+v\n want %+v", got, e)
	}
}

func TestEntry_LineNoteWithSeparator(t *testing.T) {
	e := Entry{
		Seq:       1,
		Timestamp: time.Now().UTC().Truncate(time.Second),
		Level:     LevelInfo,
		Agent:     AgentSwitchboard,
		Action:    "route",
		UserRole:  domain.RoleMember,
		Outcome:   "routed",
		Note:      `tricky | note="with" quotes`,
	}
	got, err := ParseLine(e.Line())
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if got.Note != e.Note {
		t.Errorf("note = %q, want %q", got.Note, e.Note)
	}
}

func TestLogger_SequenceGapFreeConcurrent(t *testing.T) {
	l, path := testLogger(t)

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := l.Append(context.Background(), Entry{
					Level: LevelInfo, Agent: AgentSwitchboard, Action: "route", Outcome: "routed",
				})
				if err != nil {
					t.Errorf("Append: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	entries, err := Read(strings.NewReader(string(data)))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != writers*perWriter {
		t.Fatalf("got %d entries, want %d", len(entries), writers*perWriter)
	}

	seen := make(map[int64]bool)
	for _, e := range entries {
		if seen[e.Seq] {
			t.Fatalf("duplicate seq %d", e.Seq)
		}
		seen[e.Seq] = true
	}
	for i := int64(1); i <= int64(writers*perWriter); i++ {
		if !seen[i] {
			t.Fatalf("gap at seq %d", i)
		}
	}
}

func TestLogger_ResumesSequenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))

	l, err := NewLogger(path, discard)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := l.Append(context.Background(), Entry{Level: LevelInfo, Agent: AgentLedger, Action: "reserve", Outcome: "ok"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	l.Close()

	l2, err := NewLogger(path, discard)
	if err != nil {
		t.Fatalf("NewLogger reopen: %v", err)
	}
	defer l2.Close()

	e, err := l2.Append(context.Background(), Entry{Level: LevelInfo, Agent: AgentLedger, Action: "reserve", Outcome: "ok"})
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if e.Seq != 4 {
		t.Errorf("seq after reopen = %d, want 4", e.Seq)
	}
}

func TestReplay_ApprovalTerminalStatesImmutable(t *testing.T) {
	entries := []Entry{
		{Seq: 1, Action: ActionApprovalSubmit, Outcome: "pending", Note: NoteKV("request", "r1")},
		{Seq: 2, Action: ActionApprovalDeny, Outcome: "denied", Note: NoteKV("request", "r1", "by", "admin-1")},
		// A late sweep on an already-resolved request must not overwrite.
		{Seq: 3, Action: ActionApprovalExpire, Outcome: "expired", Note: NoteKV("request", "r1")},
		{Seq: 4, Action: ActionApprovalSubmit, Outcome: "pending", Note: NoteKV("request", "r2")},
	}
	st := Replay(entries)

	if got := st.Approvals["r1"]; got != "denied" {
		t.Errorf("r1 state = %q, want denied", got)
	}
	if got := st.ApprovedBy["r1"]; got != "admin-1" {
		t.Errorf("r1 resolver = %q, want admin-1", got)
	}
	if got := st.Approvals["r2"]; got != "pending" {
		t.Errorf("r2 state = %q, want pending", got)
	}
}

func TestReplay_EscalationAttemptOrder(t *testing.T) {
	entries := []Entry{
		{Seq: 1, Action: ActionEscalateAttempt, Model: "free/loam", Outcome: "provider_unavailable", Note: NoteKV("task", "t1", "reason", "timeout")},
		{Seq: 2, Action: ActionEscalateAttempt, Model: "free/loam", Outcome: "provider_unavailable", Note: NoteKV("task", "t1", "reason", "timeout")},
		{Seq: 3, Action: ActionEscalateAttempt, Model: "paid-low/mezzo", Outcome: "success", Note: NoteKV("task", "t1", "reason", "two-consecutive-failures")},
	}
	st := Replay(entries)

	attempts := st.Attempts["t1"]
	if len(attempts) != 3 {
		t.Fatalf("got %d attempts, want 3", len(attempts))
	}
	wantTiers := []domain.Tier{domain.TierFree, domain.TierFree, domain.TierPaidLow}
	for i, a := range attempts {
		if a.Tier != wantTiers[i] {
			t.Errorf("attempt %d tier = %s, want %s", i, a.Tier, wantTiers[i])
		}
	}
	if attempts[2].Outcome != "success" {
		t.Errorf("final outcome = %q, want success", attempts[2].Outcome)
	}
}
