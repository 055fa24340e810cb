package accesslist

import (
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"hostgate/internal/hostid"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "lists.yaml")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s, path
}

func TestOpenMissingFileIsEmpty(t *testing.T) {
	s, _ := openTemp(t)
	snap := s.Snapshot()
	if len(snap.Allow) != 0 || len(snap.Deny) != 0 {
		t.Fatalf("expected empty lists, got %#v", snap)
	}
}

func TestOpenRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lists.yaml")
	if err := os.WriteFile(path, []byte("allow: [unclosed"), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := Open(path, nil); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestAllowDenyAreMutuallyExclusive(t *testing.T) {
	s, _ := openTemp(t)
	h := hostid.Identity("203.0.113.5")

	s.Allow(h)
	if !s.IsAllowed(h) || s.IsDenied(h) {
		t.Fatalf("expected host allowed only")
	}
	s.Deny(h)
	if s.IsAllowed(h) || !s.IsDenied(h) {
		t.Fatalf("expected host denied only")
	}
	s.Undeny(h)
	if s.IsAllowed(h) || s.IsDenied(h) {
		t.Fatalf("expected host on neither list")
	}
}

func TestListsStayDisjoint(t *testing.T) {
	s, _ := openTemp(t)
	hosts := []hostid.Identity{"a.example", "b.example", "c.example", "10.0.0.1"}
	ops := []func(hostid.Identity){s.Allow, s.Deny, s.Unallow, s.Undeny}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		ops[rng.Intn(len(ops))](hosts[rng.Intn(len(hosts))])

		snap := s.Snapshot()
		denied := map[string]bool{}
		for _, h := range snap.Deny {
			denied[h] = true
		}
		for _, h := range snap.Allow {
			if denied[h] {
				t.Fatalf("step %d: %s on both lists", i, h)
			}
		}
	}
}

func TestChangesSurviveReopen(t *testing.T) {
	s, path := openTemp(t)
	s.Allow("good.example")
	s.Deny("bad.example")
	s.Allow("flip.example")
	s.Deny("flip.example")

	reopened, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if !reopened.IsAllowed("good.example") || !reopened.IsDenied("bad.example") {
		t.Fatalf("expected lists to persist, got %#v", reopened.Snapshot())
	}
	if reopened.IsAllowed("flip.example") || !reopened.IsDenied("flip.example") {
		t.Fatalf("expected last decision for flip.example to persist")
	}
	if got, want := reopened.Snapshot(), s.Snapshot(); strings.Join(got.Allow, ",") != strings.Join(want.Allow, ",") ||
		strings.Join(got.Deny, ",") != strings.Join(want.Deny, ",") {
		t.Fatalf("snapshot mismatch after reopen: %#v vs %#v", got, want)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("readdir failed: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestSaveFailureKeepsMemoryState(t *testing.T) {
	s, _ := openTemp(t)

	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	s.path = filepath.Join(blocker, "lists.yaml")

	s.Allow("203.0.113.9")
	if !s.IsAllowed("203.0.113.9") {
		t.Fatalf("expected in-memory allow to survive save failure")
	}
}

func TestReloadResolvesOverlapTowardDeny(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lists.yaml")
	doc := "allow:\n  - both.example\n  - ok.example\ndeny:\n  - both.example\n"
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if s.IsAllowed("both.example") || !s.IsDenied("both.example") {
		t.Fatalf("expected overlapping host to stay denied")
	}
	if !s.IsAllowed("ok.example") {
		t.Fatalf("expected ok.example allowed")
	}
}
