// Package service implements the session and checkpoint services: the only
// layer allowed to mutate session state. It combines the durable store with
// the cache (dual-write, cache-aside reads) and serializes mutations behind
// a distributed lock.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/agentd/agentd/internal/cache"
	"github.com/agentd/agentd/internal/common/apikey"
	"github.com/agentd/agentd/internal/common/logger"
	"github.com/agentd/agentd/internal/session/models"
	"github.com/agentd/agentd/internal/session/store"
)

var (
	// ErrSessionNotFound covers both a genuine miss and an ownership
	// mismatch. The two are indistinguishable on purpose: a tenant must not
	// be able to probe for other tenants' session IDs.
	ErrSessionNotFound = store.ErrSessionNotFound

	// ErrSessionLocked is returned when the distributed lock could not be
	// acquired within the deadline.
	ErrSessionLocked = errors.New("session is locked by another operation")

	// ErrSessionTerminal rejects queries against completed or errored
	// sessions.
	ErrSessionTerminal = store.ErrTerminalStatus
)

const (
	lockTTL          = 5 * time.Second
	lockDeadline     = 5 * time.Second
	lockBackoffStart = 10 * time.Millisecond
	lockBackoffCap   = 500 * time.Millisecond

	defaultPageSize = 50
	maxPageSize     = 200
)

// CreateParams are the caller-supplied attributes of a new session.
type CreateParams struct {
	Model           string
	Cwd             string
	ParentSessionID *string
	Metadata        map[string]any
}

// Page is one page of a tenant's session listing.
type Page struct {
	Sessions []*models.Session
	Total    int
	Page     int
	PageSize int
}

// Service owns session CRUD and the dual-write discipline: the store is
// authoritative, the cache is best effort.
type Service struct {
	store      store.Store
	cache      cache.Cache
	sessionTTL time.Duration
	logger     *logger.Logger
}

// New creates a session service. sessionTTL bounds the cached session copy
// and the active marker.
func New(st store.Store, c cache.Cache, sessionTTL time.Duration, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	if sessionTTL <= 0 {
		sessionTTL = 2 * time.Hour
	}
	return &Service{
		store:      st,
		cache:      c,
		sessionTTL: sessionTTL,
		logger:     log.WithFields(zap.String("component", "session-service")),
	}
}

// Create inserts a new session for the tenant. The store write is
// authoritative; cache population failures are logged and swallowed.
func (s *Service) Create(ctx context.Context, params CreateParams, ownerHash string) (*models.Session, error) {
	if ownerHash == "" {
		return nil, store.ErrOwnerScopeRequired
	}
	if params.ParentSessionID != nil {
		// A fork must point at a real session the caller owns.
		if _, err := s.Get(ctx, *params.ParentSessionID, ownerHash); err != nil {
			return nil, fmt.Errorf("parent session: %w", err)
		}
	}

	sess := &models.Session{
		Status:          models.SessionActive,
		Model:           params.Model,
		Cwd:             params.Cwd,
		ParentSessionID: params.ParentSessionID,
		OwnerAPIKeyHash: ownerHash,
		Metadata:        params.Metadata,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	s.cacheSession(ctx, sess)
	return sess, nil
}

// Get retrieves a session, cache first. The ownership check runs after
// retrieval; a mismatch is reported exactly like a miss.
func (s *Service) Get(ctx context.Context, id, ownerHash string) (*models.Session, error) {
	var cached models.Session
	hit, err := s.cache.GetJSON(ctx, cache.SessionKey(id), &cached)
	if err != nil {
		s.logger.WithContext(ctx).Warn("cache read failed, falling back to store",
			zap.String("session_id", id), zap.Error(err))
		hit = false
	}
	if hit {
		return s.enforceOwner(&cached, ownerHash)
	}

	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheSession(ctx, sess)
	return s.enforceOwner(sess, ownerHash)
}

// List returns one page of the tenant's sessions, newest activity first.
// The owner index set plus one MGET serves the common case; an empty index
// falls back to the store and repopulates the index. There is no keyspace
// scan on any path.
func (s *Service) List(ctx context.Context, ownerHash string, page, pageSize int) (*Page, error) {
	if ownerHash == "" {
		return nil, store.ErrOwnerScopeRequired
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	if sessions, total, ok := s.listFromCache(ctx, ownerHash, page, pageSize); ok {
		return &Page{Sessions: sessions, Total: total, Page: page, PageSize: pageSize}, nil
	}

	sessions, total, err := s.store.ListSessionsByOwner(ctx, ownerHash, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		s.cacheSession(ctx, sess)
	}
	return &Page{Sessions: sessions, Total: total, Page: page, PageSize: pageSize}, nil
}

// listFromCache serves a listing page entirely from the owner index and one
// MGET. It reports ok=false when the index is empty or any referenced
// session fell out of the cache; the caller then takes the store path.
func (s *Service) listFromCache(ctx context.Context, ownerHash string, page, pageSize int) ([]*models.Session, int, bool) {
	ids, err := s.cache.SetMembers(ctx, cache.OwnerIndexKey(ownerHash))
	if err != nil || len(ids) == 0 {
		return nil, 0, false
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = cache.SessionKey(id)
	}
	blobs, err := s.cache.GetManyJSON(ctx, keys)
	if err != nil {
		return nil, 0, false
	}

	sessions := make([]*models.Session, 0, len(blobs))
	for i, blob := range blobs {
		if blob == nil {
			// Cached copy expired while the index entry survived. The store
			// has the truth; no point serving a partial page.
			_ = s.cache.RemoveFromSet(ctx, cache.OwnerIndexKey(ownerHash), ids[i])
			return nil, 0, false
		}
		var sess models.Session
		if err := json.Unmarshal(blob, &sess); err != nil {
			return nil, 0, false
		}
		if !apikey.Equal(sess.OwnerAPIKeyHash, ownerHash) {
			continue
		}
		sessions = append(sessions, &sess)
	}

	sortSessionsByUpdatedAt(sessions)
	total := len(sessions)
	start := (page - 1) * pageSize
	if start >= total {
		return []*models.Session{}, total, true
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return sessions[start:end], total, true
}

// RecordMessage appends one entry to the session's audit log.
func (s *Service) RecordMessage(ctx context.Context, sessionID string, kind models.MessageKind, content json.RawMessage) error {
	_, err := s.store.AddMessage(ctx, sessionID, kind, content)
	return err
}

// Messages returns one page of the session's audit log after an ownership
// check.
func (s *Service) Messages(ctx context.Context, sessionID, ownerHash string, limit, offset int) ([]*models.SessionMessage, error) {
	if _, err := s.Get(ctx, sessionID, ownerHash); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, sessionID, limit, offset)
}

// enforceOwner compares the presented tenant hash against the stored owner
// hash in constant time. A mismatch is a not-found, never an authorization
// error.
func (s *Service) enforceOwner(sess *models.Session, ownerHash string) (*models.Session, error) {
	if ownerHash == "" || !apikey.Equal(sess.OwnerAPIKeyHash, ownerHash) {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// cacheSession writes the session JSON and owner index entry, best effort.
func (s *Service) cacheSession(ctx context.Context, sess *models.Session) {
	if err := s.cache.SetJSON(ctx, cache.SessionKey(sess.ID), sess, s.sessionTTL); err != nil {
		s.logger.WithContext(ctx).Warn("failed to cache session",
			zap.String("session_id", sess.ID), zap.Error(err))
		return
	}
	if err := s.cache.AddToSet(ctx, cache.OwnerIndexKey(sess.OwnerAPIKeyHash), sess.ID, 0); err != nil {
		s.logger.WithContext(ctx).Warn("failed to index session owner",
			zap.String("session_id", sess.ID), zap.Error(err))
	}
}

func sortSessionsByUpdatedAt(sessions []*models.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].UpdatedAt.Equal(sessions[j].UpdatedAt) {
			return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})
}
