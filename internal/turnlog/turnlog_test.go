package turnlog_test

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/voxbridge/voxbridge/internal/turnlog"
)

func newTurn(turnID, sessionID string) turnlog.Turn {
	return turnlog.Turn{
		TurnID:        turnID,
		SessionID:     sessionID,
		UserID:        "u1",
		StartedAt:     time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC),
		Transcription: "what is the price of apple",
		Response:      "The current price of Apple is $230.",
		Status:        turnlog.StatusCompleted,
		ChunksSent:    6,
	}
}

func TestAppend_AndRetrieve(t *testing.T) {
	t.Parallel()

	log, err := turnlog.New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	want := newTurn("t1", "s1")
	if err := log.Append(want); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := log.Turn("t1")
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if got.Transcription != want.Transcription || got.Status != want.Status {
		t.Errorf("retrieved turn mismatch: %+v", got)
	}

	if _, err := log.Turn("nope"); !errors.Is(err, turnlog.ErrNotFound) {
		t.Errorf("Turn on unknown id: want ErrNotFound, got %v", err)
	}
}

func TestAppend_DuplicateTurnIDIsNoop(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	log, err := turnlog.New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	first := newTurn("t1", "s1")
	if err := log.Append(first); err != nil {
		t.Fatalf("Append: %v", err)
	}
	dup := first
	dup.Response = "a different response"
	if err := log.Append(dup); err != nil {
		t.Fatalf("duplicate Append: %v", err)
	}

	turns, err := log.SessionTurns("s1")
	if err != nil {
		t.Fatalf("SessionTurns: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("want 1 turn after duplicate append, got %d", len(turns))
	}
	if turns[0].Response != first.Response {
		t.Error("duplicate append overwrote the original record")
	}

	// The daily file must also hold exactly one line.
	lines := countJSONLLines(t, dir)
	if lines != 1 {
		t.Errorf("daily file lines: want 1, got %d", lines)
	}
}

// TestAppend_FileLayout pins the on-disk names: a turns_YYYYMMDD.jsonl
// daily stream plus one session_<id>.json document per session, both at the
// log root.
func TestAppend_FileLayout(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	log, err := turnlog.New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := log.Append(newTurn("t1", "s1")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	day := time.Now().UTC().Format("20060102")
	if _, err := os.Stat(filepath.Join(dir, "turns_"+day+".jsonl")); err != nil {
		t.Errorf("daily file: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "session_s1.json")); err != nil {
		t.Errorf("session document: %v", err)
	}
}

func TestAppend_RejectsMissingIDs(t *testing.T) {
	t.Parallel()

	log, err := turnlog.New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := log.Append(turnlog.Turn{SessionID: "s1"}); err == nil {
		t.Error("Append without turn id: want error")
	}
	if err := log.Append(turnlog.Turn{TurnID: "t1"}); err == nil {
		t.Error("Append without session id: want error")
	}
}

func TestSessionTurns_AppendOrder(t *testing.T) {
	t.Parallel()

	log, err := turnlog.New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, id := range []string{"t1", "t2", "t3"} {
		if err := log.Append(newTurn(id, "s1")); err != nil {
			t.Fatalf("Append %s: %v", id, err)
		}
	}

	turns, err := log.SessionTurns("s1")
	if err != nil {
		t.Fatalf("SessionTurns: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("want 3 turns, got %d", len(turns))
	}
	for i, id := range []string{"t1", "t2", "t3"} {
		if turns[i].TurnID != id {
			t.Errorf("turn %d: want %s, got %s", i, id, turns[i].TurnID)
		}
	}
}

// TestSessionTurns_ReadThroughAfterRestart opens a second Log over the same
// directory and expects the per-session document to serve the history.
func TestSessionTurns_ReadThroughAfterRestart(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	log, err := turnlog.New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := log.Append(newTurn("t1", "s1")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	reopened, err := turnlog.New(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	turns, err := reopened.SessionTurns("s1")
	if err != nil {
		t.Fatalf("SessionTurns after reopen: %v", err)
	}
	if len(turns) != 1 || turns[0].TurnID != "t1" {
		t.Errorf("read-through mismatch: %+v", turns)
	}

	if _, err := reopened.SessionTurns("unknown"); !errors.Is(err, turnlog.ErrNotFound) {
		t.Errorf("unknown session: want ErrNotFound, got %v", err)
	}
}

func TestAppend_ConcurrentSessions(t *testing.T) {
	t.Parallel()

	log, err := turnlog.New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var wg sync.WaitGroup
	for s := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sid := string(rune('a' + s))
			for i := range 10 {
				turn := newTurn(sid+"-"+string(rune('0'+i)), sid)
				if err := log.Append(turn); err != nil {
					t.Errorf("Append: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	for s := range 4 {
		sid := string(rune('a' + s))
		turns, err := log.SessionTurns(sid)
		if err != nil {
			t.Fatalf("SessionTurns %s: %v", sid, err)
		}
		if len(turns) != 10 {
			t.Errorf("session %s: want 10 turns, got %d", sid, len(turns))
		}
	}
}

// countJSONLLines counts complete JSON lines across all daily files in dir.
func countJSONLLines(t *testing.T, dir string) int {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "turns_*.jsonl"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	total := 0
	for _, path := range matches {
		f, err := os.Open(path)
		if err != nil {
			t.Fatalf("open %s: %v", path, err)
		}
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			var turn turnlog.Turn
			if err := json.Unmarshal(sc.Bytes(), &turn); err != nil {
				t.Errorf("malformed JSONL line in %s: %v", path, err)
			}
			total++
		}
		f.Close()
	}
	return total
}
