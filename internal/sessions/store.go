// Package sessions provides durable, cache-fronted conversation state for
// the relay. Each session's retained history is stored as newline-delimited
// JSON turn records in a pluggable backend (files or badger).
//
// Persistence is full-rewrite: every Save writes the entire retained
// history, so the durable copy always matches the in-memory truncation
// policy. Backends make each write atomic, so after a crash the stored
// history is either the previous complete version or the new one.
package sessions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentoven/agentoven/relay/internal/metrics"
	"github.com/agentoven/agentoven/relay/pkg/contracts"
	"github.com/agentoven/agentoven/relay/pkg/models"
	"github.com/rs/zerolog/log"
)

// Store is the session cache plus its durable backend.
//
// Callers must serialize access per key (the router does this); the store
// itself only guards its map.
type Store struct {
	backend contracts.SessionBackend

	mu    sync.Mutex
	cache map[string]*models.Session
}

// NewStore creates a session store over the given backend.
func NewStore(backend contracts.SessionBackend) *Store {
	return &Store{
		backend: backend,
		cache:   make(map[string]*models.Session),
	}
}

// Load returns a private working copy of the session for key, preferring
// the in-memory copy. A missing durable copy yields an empty session. A
// corrupt or unreadable one is logged and also yields an empty session;
// Load never fails.
//
// Cached sessions are never mutated in place. Changes made to the returned
// copy become visible to Load and Peek only once passed to Save.
func (s *Store) Load(ctx context.Context, key string) *models.Session {
	s.mu.Lock()
	if sess, ok := s.cache[key]; ok {
		c := sess.Clone()
		s.mu.Unlock()
		return c
	}
	s.mu.Unlock()

	sess := s.readDurable(ctx, key)

	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.cache[key]; ok {
		return cached.Clone()
	}
	s.cache[key] = sess
	metrics.CachedSessions.Set(float64(len(s.cache)))
	return sess.Clone()
}

// Save writes the session's full retained history to the backend and
// returns only once the write is durable. A snapshot of sess replaces the
// cached copy even when the write fails, so memory reflects the latest
// unit of work; the error reports that disk is behind.
func (s *Store) Save(ctx context.Context, sess *models.Session) error {
	snapshot := sess.Clone()
	defer func() {
		s.mu.Lock()
		s.cache[snapshot.Key] = snapshot
		metrics.CachedSessions.Set(float64(len(s.cache)))
		s.mu.Unlock()
	}()

	data, err := EncodeHistory(snapshot.History)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", snapshot.Key, err)
	}
	if err := s.backend.Write(ctx, snapshot.Key, data); err != nil {
		return fmt.Errorf("write session %s: %w", snapshot.Key, err)
	}
	return nil
}

// Peek returns a copy of the session for key without populating the
// cache. ok is false when the session exists neither in memory nor on disk.
// It is safe to call while a unit of work on the same key is running.
func (s *Store) Peek(ctx context.Context, key string) (*models.Session, bool) {
	s.mu.Lock()
	if sess, ok := s.cache[key]; ok {
		c := sess.Clone()
		s.mu.Unlock()
		return c, true
	}
	s.mu.Unlock()

	data, err := s.backend.Read(ctx, key)
	if err != nil || data == nil {
		return nil, false
	}
	history, err := DecodeHistory(data)
	if err != nil {
		return nil, false
	}
	return s.hydrate(key, history), true
}

// EvictIdle drops cached sessions whose last activity is before cutoff.
// Keys for which busy returns true are skipped. Durable copies are
// untouched. Returns the number of evicted sessions.
func (s *Store) EvictIdle(cutoff time.Time, busy func(key string) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for key, sess := range s.cache {
		if busy != nil && busy(key) {
			continue
		}
		if sess.LastActivityAt.Before(cutoff) {
			delete(s.cache, key)
			evicted++
		}
	}
	metrics.CachedSessions.Set(float64(len(s.cache)))
	return evicted
}

// Cached returns the number of sessions held in memory.
func (s *Store) Cached() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}

// Backend returns the durable backend kind ("file", "badger").
func (s *Store) Backend() string { return s.backend.Kind() }

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) readDurable(ctx context.Context, key string) *models.Session {
	data, err := s.backend.Read(ctx, key)
	if err != nil {
		metrics.SessionLoadFailures.Inc()
		log.Warn().Err(err).Str("session", key).Str("backend", s.backend.Kind()).
			Msg("Failed to read session, starting fresh")
		return models.NewSession(key)
	}
	if data == nil {
		return models.NewSession(key)
	}

	history, err := DecodeHistory(data)
	if err != nil {
		metrics.SessionLoadFailures.Inc()
		log.Error().Err(err).Str("session", key).Str("backend", s.backend.Kind()).
			Int("bytes", len(data)).
			Msg("Corrupt session record, starting fresh")
		return models.NewSession(key)
	}

	sess := s.hydrate(key, history)
	log.Debug().Str("session", key).Int("turns", len(history)).Msg("Session loaded")
	return sess
}

func (s *Store) hydrate(key string, history []models.Turn) *models.Session {
	sess := models.NewSession(key)
	sess.History = history
	sess.ContinuationToken = RecoverContinuationToken(history)
	if n := len(history); n > 0 {
		sess.LastActivityAt = time.UnixMilli(history[n-1].Timestamp)
	}
	return sess
}
