// Package runner executes queries against the agent runtime: one Run per
// stream, driving the subprocess, the permission gate, interrupt
// observation, persistence, and the bounded event queue the transport
// drains.
package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/agentd/agentd/internal/cache"
	"github.com/agentd/agentd/internal/common/config"
	"github.com/agentd/agentd/internal/common/logger"
	"github.com/agentd/agentd/internal/control"
	"github.com/agentd/agentd/internal/hooks"
	"github.com/agentd/agentd/internal/mcp"
	"github.com/agentd/agentd/internal/session/models"
	"github.com/agentd/agentd/internal/session/service"
	v1 "github.com/agentd/agentd/pkg/api/v1"
)

// runtimeSessionKey is the session metadata key holding the runtime's own
// session id, needed for --resume.
const runtimeSessionKey = "runtime_session_id"

// Deps are the collaborators every run shares.
type Deps struct {
	Sessions    *service.Service
	Checkpoints *service.CheckpointService
	Control     *control.Bus
	Webhooks    *hooks.WebhookClient
	Resolver    *mcp.Resolver
	Cache       cache.Cache
	Logger      *logger.Logger
}

// StartParams describe one query: a fresh conversation when SessionID is
// empty, a resume when set, a fork when Fork is also set.
type StartParams struct {
	Query     *v1.QueryRequest
	OwnerHash string
	SessionID string
	Fork      bool
}

// Registry caps and tracks the instance's concurrent runs.
type Registry struct {
	deps       Deps
	enricher   *Enricher
	agent      config.AgentConfig
	streaming  config.StreamingConfig
	sessionTTL time.Duration
	sem        *semaphore.Weighted
	logger     *logger.Logger

	mu     sync.Mutex
	runs   map[string]*Run
	closed bool
	wg     sync.WaitGroup
}

func NewRegistry(deps Deps, agent config.AgentConfig, streaming config.StreamingConfig, sessionTTL time.Duration) *Registry {
	log := deps.Logger
	if log == nil {
		log = logger.Default()
	}
	maxConcurrent := streaming.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 25
	}
	return &Registry{
		deps:       deps,
		enricher:   NewEnricher(deps.Resolver, agent, log),
		agent:      agent,
		streaming:  streaming,
		sessionTTL: sessionTTL,
		sem:        semaphore.NewWeighted(int64(maxConcurrent)),
		logger:     log.WithFields(zap.String("component", "runner")),
		runs:       make(map[string]*Run),
	}
}

// Start validates the request, resolves the session, registers the active
// marker, and launches the run goroutine. Every error it returns maps to a
// pre-stream HTTP response; once Start succeeds all faults are in-stream.
func (r *Registry) Start(ctx context.Context, p StartParams) (*Run, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: shutting down", ErrCapacity)
	}
	r.mu.Unlock()

	if !r.sem.TryAcquire(1) {
		return nil, ErrCapacity
	}
	ok := false
	defer func() {
		if !ok {
			r.sem.Release(1)
		}
	}()

	enriched, err := r.enricher.Enrich(ctx, p.OwnerHash, p.Query)
	if err != nil {
		return nil, err
	}

	dispatcher, err := hooks.NewDispatcher(r.deps.Webhooks, enriched.Hooks, r.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	sess, err := r.resolveSession(ctx, p, enriched)
	if err != nil {
		return nil, err
	}

	if err := r.defaultCwd(ctx, sess, enriched); err != nil {
		return nil, err
	}

	// The active marker is the fleet-wide mutual exclusion for streaming.
	// SET NX claims it in one round trip; a check-then-set would let two
	// instances racing a resume both pass. A cache failure here is fatal
	// to the request.
	claimed, err := r.deps.Cache.SetMarkerNX(ctx, cache.ActiveSessionKey(sess.ID), r.sessionTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	if !claimed {
		return nil, ErrSessionBusy
	}

	run := newRun(ctx, r, sess, p, enriched, dispatcher)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = r.deps.Cache.Delete(context.WithoutCancel(ctx), cache.ActiveSessionKey(sess.ID))
		return nil, fmt.Errorf("%w: shutting down", ErrCapacity)
	}
	r.runs[sess.ID] = run
	r.wg.Add(1)
	r.mu.Unlock()

	ok = true
	go run.loop()
	return run, nil
}

// resolveSession loads or creates the session and threads the runtime
// resume id into the invocation options.
func (r *Registry) resolveSession(ctx context.Context, p StartParams, enriched *Enriched) (*models.Session, error) {
	if p.SessionID == "" {
		return r.deps.Sessions.Create(ctx, service.CreateParams{
			Model:    enriched.Options.Model,
			Cwd:      enriched.Options.Cwd,
			Metadata: p.Query.Metadata,
		}, p.OwnerHash)
	}

	base, err := r.deps.Sessions.Get(ctx, p.SessionID, p.OwnerHash)
	if err != nil {
		return nil, err
	}
	if base.Status.Terminal() {
		return nil, ErrSessionTerminal
	}

	// A resumed or forked query inherits what the request left unset.
	if p.Query.Model == "" && base.Model != "" {
		enriched.Options.Model = base.Model
	}
	if enriched.Options.Cwd == "" {
		enriched.Options.Cwd = base.Cwd
	}
	if runtimeID, _ := base.Metadata[runtimeSessionKey].(string); runtimeID != "" {
		enriched.Options.Resume = runtimeID
		enriched.Options.Fork = p.Fork
	}

	if !p.Fork {
		return base, nil
	}
	return r.deps.Sessions.Create(ctx, service.CreateParams{
		Model:           enriched.Options.Model,
		Cwd:             enriched.Options.Cwd,
		ParentSessionID: &base.ID,
		Metadata:        p.Query.Metadata,
	}, p.OwnerHash)
}

// defaultCwd gives sessions without a working directory one rooted under
// agent.workdir_root, keyed by session id so reruns land in the same tree.
func (r *Registry) defaultCwd(ctx context.Context, sess *models.Session, enriched *Enriched) error {
	if enriched.Options.Cwd == "" {
		root := r.agent.WorkdirRoot
		if root == "" {
			root = os.TempDir()
		}
		enriched.Options.Cwd = filepath.Join(root, sess.ID)
	}
	if err := os.MkdirAll(enriched.Options.Cwd, 0o755); err != nil {
		return fmt.Errorf("failed to prepare session workdir: %w", err)
	}

	if sess.Cwd == enriched.Options.Cwd {
		return nil
	}
	updated, err := r.deps.Sessions.Update(ctx, sess.ID, sess.OwnerAPIKeyHash, func(s *models.Session) error {
		s.Cwd = enriched.Options.Cwd
		return nil
	})
	if err != nil {
		return err
	}
	*sess = *updated
	return nil
}

// Run returns the live run for a session, if this instance owns one.
func (r *Registry) Run(sessionID string) (*Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, found := r.runs[sessionID]
	return run, found
}

// ActiveRuns reports how many runs this instance is streaming.
func (r *Registry) ActiveRuns() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

// Shutdown refuses new runs, cancels the live ones, and waits for them to
// finish persisting, bounded by ctx.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	for _, run := range r.runs {
		run.cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out with %d runs live", r.ActiveRuns())
	}
}

func (r *Registry) release(sessionID string) {
	r.mu.Lock()
	delete(r.runs, sessionID)
	r.mu.Unlock()
	r.sem.Release(1)
	r.wg.Done()
}
