package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"opsgate/internal/platform/metrics"
)

const watchBuffer = 16

// ImpersonationStopper ends an active impersonation. Sign-out must clear
// impersonation before the session itself is torn down.
type ImpersonationStopper interface {
	Stop()
}

// Snapshot is the provider's state at one point in time. Loading is true
// only during the initial session check; a nil Session with Loading false
// means "authoritatively signed out".
type Snapshot struct {
	Session *Session
	Loading bool
}

// Provider tracks the live session for one client runtime. It subscribes to
// auth-state changes before issuing the initial session fetch so no event
// emitted in between is lost, and it bounds the initial check with a
// liveness timeout.
type Provider struct {
	client       AuthClient
	imp          ImpersonationStopper
	logger       *slog.Logger
	metrics      *metrics.Metrics
	checkTimeout time.Duration

	mu       sync.RWMutex
	session  *Session
	loading  bool
	settled  bool
	watchers map[int]chan Snapshot
	nextID   int

	cancelSub func()
	closeOnce sync.Once
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithCheckTimeout overrides the initial session-check timeout.
func WithCheckTimeout(d time.Duration) ProviderOption {
	return func(p *Provider) {
		p.checkTimeout = d
	}
}

// NewProvider creates a provider. imp may be nil when no impersonation
// surface exists for this runtime. Call Start to begin tracking.
func NewProvider(client AuthClient, imp ImpersonationStopper, logger *slog.Logger, m *metrics.Metrics, opts ...ProviderOption) *Provider {
	p := &Provider{
		client:       client,
		imp:          imp,
		logger:       logger,
		metrics:      m,
		checkTimeout: 10 * time.Second,
		loading:      true,
		watchers:     make(map[int]chan Snapshot),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start subscribes to auth-state changes and then issues the one-shot
// session fetch. The subscription is established first: an event published
// while the fetch is in flight still reaches the provider, and last write
// wins on the session field.
func (p *Provider) Start(ctx context.Context) {
	events, cancel, err := p.client.AuthStateChanges(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "auth state subscription failed", "error", err)
	} else {
		p.cancelSub = cancel
		go p.pump(events)
	}

	go p.initialCheck(ctx)
}

// Session returns the current session, or nil when signed out or still
// loading.
func (p *Provider) Session() *Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.session
}

// Loading reports whether the initial session check is still pending.
func (p *Provider) Loading() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.loading
}

// Snapshot returns the session and loading flag as one consistent read.
func (p *Provider) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Snapshot{Session: p.session, Loading: p.loading}
}

// Watch streams state snapshots, starting with the current one. The cancel
// func stops the stream and is safe to call more than once.
func (p *Provider) Watch() (<-chan Snapshot, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	watchID := p.nextID
	ch := make(chan Snapshot, watchBuffer)
	ch <- Snapshot{Session: p.session, Loading: p.loading}
	p.watchers[watchID] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			delete(p.watchers, watchID)
			close(ch)
		})
	}
	return ch, cancel
}

// SignOut ends the session everywhere. Order matters: impersonation is
// cleared first, then local state, then the remote global sign-out. A
// remote failure is logged but not returned; the local sign-out stands.
func (p *Provider) SignOut(ctx context.Context) {
	if p.imp != nil {
		p.imp.Stop()
	}
	p.set(nil, false)
	if err := p.client.SignOut(ctx, ScopeGlobal); err != nil {
		p.logger.ErrorContext(ctx, "remote sign-out failed", "error", err)
	}
}

// Close tears down the auth-state subscription.
func (p *Provider) Close() {
	p.closeOnce.Do(func() {
		if p.cancelSub != nil {
			p.cancelSub()
		}
	})
}

// initialCheck runs the one-shot fetch under the liveness timeout. If the
// backend never answers, the loading flag is cleared anyway so consumers
// are not stuck behind a spinner; a late result is still applied.
func (p *Provider) initialCheck(ctx context.Context) {
	type result struct {
		session *Session
		err     error
	}
	results := make(chan result, 1)
	go func() {
		s, err := p.client.GetSession(ctx)
		results <- result{session: s, err: err}
	}()

	timer := time.NewTimer(p.checkTimeout)
	defer timer.Stop()

	select {
	case r := <-results:
		p.applyCheck(ctx, r.session, r.err)
	case <-timer.C:
		p.metrics.SessionCheckTimeouts.Inc()
		p.logger.WarnContext(ctx, "session check timed out", "timeout", p.checkTimeout)
		p.endLoading()
		go func() {
			r := <-results
			p.applyCheck(ctx, r.session, r.err)
		}()
	}
}

func (p *Provider) applyCheck(ctx context.Context, session *Session, err error) {
	if err != nil {
		// Fail closed: an unverifiable session is no session.
		p.logger.ErrorContext(ctx, "session check failed", "error", err)
		session = nil
	}
	p.mu.Lock()
	if p.settled {
		// An auth event landed while the fetch was in flight; it is
		// fresher than the fetch result.
		p.mu.Unlock()
		return
	}
	p.session = session
	p.loading = false
	p.broadcastLocked()
	p.mu.Unlock()
}

func (p *Provider) endLoading() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.loading {
		return
	}
	p.loading = false
	p.broadcastLocked()
}

func (p *Provider) pump(events <-chan AuthEvent) {
	for event := range events {
		switch event.Type {
		case AuthEventSignedIn:
			p.set(event.Session, false)
		case AuthEventSignedOut, AuthEventRevoked:
			p.set(nil, false)
		}
	}
}

func (p *Provider) set(session *Session, loading bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = session
	p.loading = loading
	p.settled = true
	p.broadcastLocked()
}

func (p *Provider) broadcastLocked() {
	snap := Snapshot{Session: p.session, Loading: p.loading}
	for _, ch := range p.watchers {
		select {
		case ch <- snap:
		default:
		}
	}
}
