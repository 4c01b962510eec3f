package guardrails

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/jsonc"
)

// ErrConflictingDecision is returned when recording allow for a key that is
// already denied, or deny for one already allowed. Recorded decisions are
// permanent; reversing one is an out-of-band edit of the decision file.
var ErrConflictingDecision = errors.New("conflicting decision already recorded")

// decisionFile is the on-disk shape. The file may carry // comments
// added by hand; they are accepted on load and not preserved on write.
type decisionFile struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
}

// DecisionStore is the persisted set of human allow/deny answers keyed by
// canonical decision key. Inserts are idempotent; every change is written
// through to disk before Record returns.
type DecisionStore struct {
	path string

	mu    sync.RWMutex
	allow map[string]struct{}
	deny  map[string]struct{}
}

// OpenDecisionStore loads the decision file at path. A missing file is an
// empty store. An empty path gives a memory-only store. A file that cannot
// be parsed is an error: silently dropping recorded denials is not safe.
func OpenDecisionStore(path string) (*DecisionStore, error) {
	s := &DecisionStore{
		path:  path,
		allow: make(map[string]struct{}),
		deny:  make(map[string]struct{}),
	}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read decisions %s: %w", path, err)
	}

	var f decisionFile
	if err := json.Unmarshal(jsonc.ToJSON(data), &f); err != nil {
		return nil, fmt.Errorf("parse decisions %s: %w", path, err)
	}
	for _, k := range f.Allow {
		s.allow[k] = struct{}{}
	}
	for _, k := range f.Deny {
		s.deny[k] = struct{}{}
	}

	log.Info().Str("path", path).Int("allow", len(s.allow)).Int("deny", len(s.deny)).
		Msg("Loaded policy decisions")
	return s, nil
}

// Lookup reports the recorded decision for key. Deny wins if a hand edit
// left a key in both sets.
func (s *DecisionStore) Lookup(key string) (allow, found bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.deny[key]; ok {
		return false, true
	}
	if _, ok := s.allow[key]; ok {
		return true, true
	}
	return false, false
}

// Record inserts key into the allow or deny set and persists the store.
// Recording an existing decision again is a no-op.
func (s *DecisionStore) Record(key string, allow bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, other := s.allow, s.deny
	if !allow {
		target, other = s.deny, s.allow
	}
	if _, ok := other[key]; ok {
		return fmt.Errorf("%w: %s", ErrConflictingDecision, key)
	}
	if _, ok := target[key]; ok {
		return nil
	}

	target[key] = struct{}{}
	if err := s.persist(); err != nil {
		delete(target, key)
		return err
	}
	return nil
}

// Len returns the number of allow and deny records.
func (s *DecisionStore) Len() (allow, deny int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.allow), len(s.deny)
}

// Path returns the backing file, or "" for a memory-only store.
func (s *DecisionStore) Path() string { return s.path }

// persist rewrites the whole file atomically. Caller holds s.mu.
func (s *DecisionStore) persist() error {
	if s.path == "" {
		return nil
	}

	data, err := json.MarshalIndent(decisionFile{
		Allow: sortedKeys(s.allow),
		Deny:  sortedKeys(s.deny),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode decisions: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create decisions dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".decisions-*.tmp")
	if err != nil {
		return fmt.Errorf("write decisions: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write decisions: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync decisions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write decisions: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replace decisions: %w", err)
	}
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
