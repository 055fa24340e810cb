// Package accesslist persists the allow and deny host lists.
//
// A host is never on both lists. Adding it to one removes it from the
// other. Every change is written to disk with a temp file and a rename; when
// that write fails the error is logged and the in-memory lists stay the
// source of truth for the rest of the process.
package accesslist

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"hostgate/internal/hostid"
)

// Lists is the on-disk document and the shape returned by Snapshot.
type Lists struct {
	Allow []string `yaml:"allow" json:"allow"`
	Deny  []string `yaml:"deny" json:"deny"`
}

type set map[hostid.Identity]struct{}

type Store struct {
	path   string
	logger *slog.Logger

	mu    sync.RWMutex
	allow set
	deny  set
}

// Open loads the lists at path. A missing file means both lists are empty;
// a file that cannot be read or parsed is an error.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("accesslist: empty path")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Store{
		path:   path,
		logger: logger,
		allow:  set{},
		deny:   set{},
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload replaces the in-memory lists with the file contents. On error the
// current lists are kept.
func (s *Store) Reload() error {
	lists, err := load(s.path)
	if err != nil {
		return err
	}

	allow, deny := set{}, set{}
	for _, h := range lists.Deny {
		if h != "" {
			deny[hostid.Identity(h)] = struct{}{}
		}
	}
	conflicts := 0
	for _, h := range lists.Allow {
		if h == "" {
			continue
		}
		if _, denied := deny[hostid.Identity(h)]; denied {
			conflicts++
			continue
		}
		allow[hostid.Identity(h)] = struct{}{}
	}

	s.mu.Lock()
	s.allow, s.deny = allow, deny
	s.mu.Unlock()

	if conflicts > 0 {
		s.logger.Warn("access lists overlap, keeping hosts on deny list", "file", s.path, "hosts", conflicts)
	}
	s.logger.Info("access lists loaded", "file", s.path, "allow", len(allow), "deny", len(deny))
	return nil
}

func (s *Store) IsAllowed(host hostid.Identity) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.allow[host]
	return ok
}

func (s *Store) IsDenied(host hostid.Identity) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.deny[host]
	return ok
}

// Allow puts host on the allow list and takes it off the deny list.
func (s *Store) Allow(host hostid.Identity) {
	s.update(host, "allow", func() bool {
		_, already := s.allow[host]
		_, denied := s.deny[host]
		delete(s.deny, host)
		s.allow[host] = struct{}{}
		return !already || denied
	})
}

// Deny puts host on the deny list and takes it off the allow list.
func (s *Store) Deny(host hostid.Identity) {
	s.update(host, "deny", func() bool {
		_, already := s.deny[host]
		_, allowed := s.allow[host]
		delete(s.allow, host)
		s.deny[host] = struct{}{}
		return !already || allowed
	})
}

func (s *Store) Unallow(host hostid.Identity) {
	s.update(host, "unallow", func() bool {
		_, ok := s.allow[host]
		delete(s.allow, host)
		return ok
	})
}

func (s *Store) Undeny(host hostid.Identity) {
	s.update(host, "undeny", func() bool {
		_, ok := s.deny[host]
		delete(s.deny, host)
		return ok
	})
}

// Snapshot returns sorted copies of both lists.
func (s *Store) Snapshot() Lists {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// update runs mutate under the write lock and persists if it changed
// anything. The write stays under the lock so the file never lags behind a
// later change.
func (s *Store) update(host hostid.Identity, op string, mutate func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !mutate() {
		return
	}
	s.logger.Info("access list updated", "host", string(host), "op", op)

	if err := save(s.path, s.snapshotLocked()); err != nil {
		s.logger.Error("access list save failed", "file", s.path, "host", string(host), "op", op, "error", err)
	}
}

func (s *Store) snapshotLocked() Lists {
	return Lists{Allow: sorted(s.allow), Deny: sorted(s.deny)}
}

func sorted(m set) []string {
	out := make([]string, 0, len(m))
	for h := range m {
		out = append(out, string(h))
	}
	sort.Strings(out)
	return out
}

func load(path string) (Lists, error) {
	var lists Lists
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return lists, nil
		}
		return lists, fmt.Errorf("read access lists: %w", err)
	}
	if err := yaml.Unmarshal(data, &lists); err != nil {
		return lists, fmt.Errorf("parse access lists %s: %w", path, err)
	}
	return lists, nil
}

func save(path string, lists Lists) error {
	data, err := yaml.Marshal(lists)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
