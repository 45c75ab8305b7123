package application

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bnema/enrollctl/internal/domain"
	"github.com/bnema/enrollctl/internal/ports"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrLeaseHeld = errors.New("identity is leased by another session")

	errCallTimeout      = errors.New("call deadline exceeded")
	errOwnershipLost    = errors.New("session was taken over by another controller")
	errGroupUnreachable = errors.New("group unreachable")
	errNoParticipants   = errors.New("no participating identity left")
)

const (
	dialAttempts = 3
	dialBackoff  = 2 * time.Second
)

type ControllerDeps struct {
	Registry *Registry
	Sessions ports.SessionRepository
	Stops    ports.StopRequests
	Dialer   ports.Dialer
	Notifier ports.Notifier
	Clock    ports.Clock
	Wake     *Signal
	Log      zerolog.Logger

	// After returns a channel that fires once d has elapsed. Defaults to time.After.
	After func(d time.Duration) <-chan time.Time
	// NewOwner mints the token that marks which controller owns a running session.
	NewOwner func() string
}

// Controller drives operation sessions. It owns at most one running session per
// process and coordinates with other processes through the session store.
type Controller struct {
	registry *Registry
	sessions ports.SessionRepository
	stops    ports.StopRequests
	dialer   ports.Dialer
	notifier ports.Notifier
	clock    ports.Clock
	wake     *Signal
	log      zerolog.Logger
	after    func(time.Duration) <-chan time.Time
	newOwner func() string

	mu     sync.Mutex
	owners map[string]string
}

func NewController(deps ControllerDeps) *Controller {
	c := &Controller{
		registry: deps.Registry,
		sessions: deps.Sessions,
		stops:    deps.Stops,
		dialer:   deps.Dialer,
		notifier: deps.Notifier,
		clock:    deps.Clock,
		wake:     deps.Wake,
		log:      deps.Log,
		after:    deps.After,
		newOwner: deps.NewOwner,
		owners:   make(map[string]string),
	}
	if c.clock == nil {
		c.clock = ports.SystemClock{}
	}
	if c.notifier == nil {
		c.notifier = ports.NopNotifier{}
	}
	if c.after == nil {
		c.after = time.After
	}
	if c.newOwner == nil {
		c.newOwner = uuid.NewString
	}

	return c
}

// Start claims the named session for this process. A session whose target list
// and group are unchanged resumes at its persisted cursor; anything else starts
// over at the first target.
func (c *Controller) Start(ctx context.Context, cmd StartCommand) (domain.OperationSession, error) {
	name := strings.TrimSpace(cmd.Name)
	if name == "" {
		name = domain.DefaultSessionName
	}
	group := strings.TrimSpace(cmd.Group)
	if group == "" {
		return domain.OperationSession{}, fmt.Errorf("%w: group is required", domain.ErrInvalidInput)
	}
	targets := domain.NormalizeTargets(cmd.Targets)
	if !domain.HasTargets(targets) {
		return domain.OperationSession{}, fmt.Errorf("%w: target list is empty", domain.ErrInvalidInput)
	}
	config := cmd.Config
	config.Normalize()

	owner := c.newOwner()
	digest := domain.DigestTargets(group, targets)
	now := c.clock.Now()

	session, err := c.sessions.Upsert(ctx, name, func(session *domain.OperationSession, others []domain.OperationSession) error {
		for _, other := range others {
			if other.Live(now) {
				return fmt.Errorf("%w: session %q", domain.ErrAlreadyRunning, other.Name)
			}
		}
		if session.Live(now) {
			return fmt.Errorf("%w: session %q", domain.ErrAlreadyRunning, session.Name)
		}
		if session.Running {
			session.Append(now, "previous run stopped responding; taking over")
		}

		if session.TargetsDigest == digest && session.Cursor > 0 && session.Cursor < len(targets) {
			session.Append(now, fmt.Sprintf("resuming %s at target %d of %d", group, session.Cursor+1, len(targets)))
		} else {
			if session.TargetsDigest != "" && session.TargetsDigest != digest {
				session.Append(now, "group or target list changed; starting from the first target")
			}
			session.Cursor = 0
			session.TargetRetries = 0
			session.InFlight = nil
			session.Append(now, fmt.Sprintf("starting %s with %d targets", group, len(targets)))
		}

		session.Group = group
		session.Targets = targets
		session.TargetsDigest = digest
		session.Config = config
		session.Running = true
		session.State = domain.SessionRunning
		session.Owner = owner
		session.Heartbeat = now
		session.StartedAt = now
		session.FinishedAt = time.Time{}
		session.TotalAdded = 0
		return nil
	})
	if err != nil {
		return domain.OperationSession{}, fmt.Errorf("start session: %w", err)
	}

	// A marker left by an earlier run must not stop this one. It is cleared only
	// once the claim succeeded so a live session elsewhere keeps its request.
	if _, err := c.stops.ConsumeStop(ctx, name); err != nil {
		return domain.OperationSession{}, fmt.Errorf("clear stop request: %w", err)
	}

	c.mu.Lock()
	c.owners[name] = owner
	c.mu.Unlock()

	c.log.Info().Str("session", name).Str("group", group).Int("cursor", session.Cursor).Int("targets", len(targets)).Msg("session started")
	return session, nil
}

// Run drives a session claimed by Start until it completes, is stopped or aborts.
// The returned error reports infrastructure failures; the state is always set.
func (c *Controller) Run(ctx context.Context, name string) (domain.SessionState, error) {
	if name == "" {
		name = domain.DefaultSessionName
	}

	c.mu.Lock()
	owner, ok := c.owners[name]
	c.mu.Unlock()
	if !ok {
		return domain.SessionIdle, fmt.Errorf("%w: session %q was not started by this process", domain.ErrNotRunning, name)
	}
	defer func() {
		c.mu.Lock()
		delete(c.owners, name)
		c.mu.Unlock()
	}()

	op := &operation{
		c:      c,
		name:   name,
		owner:  owner,
		conns:  make(map[domain.IdentityID]ports.Messenger),
		groups: make(map[domain.IdentityID]domain.Entity),
		log:    c.log.With().Str("session", name).Logger(),
	}
	return op.run(ctx)
}

// RequestStop asks the controller owning the session to stop at its next
// checkpoint. A session whose owner no longer beats is stopped directly.
func (c *Controller) RequestStop(ctx context.Context, name string) error {
	if name == "" {
		name = domain.DefaultSessionName
	}

	now := c.clock.Now()
	session, err := c.sessions.GetByName(ctx, name)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return fmt.Errorf("%w: session %q", domain.ErrNotRunning, name)
		}
		return fmt.Errorf("get session: %w", err)
	}
	if !session.Running {
		return fmt.Errorf("%w: session %q", domain.ErrNotRunning, name)
	}

	if !session.Live(now) {
		_, err := c.sessions.Update(ctx, name, func(s *domain.OperationSession) error {
			s.Append(now, "stopped by operator (owner was not responding)")
			s.Finish(domain.SessionStopped, now)
			return nil
		})
		if err != nil {
			return fmt.Errorf("stop stale session: %w", err)
		}
		return nil
	}

	if err := c.stops.RequestStop(ctx, name); err != nil {
		return fmt.Errorf("request stop: %w", err)
	}
	_, err = c.sessions.Update(ctx, name, func(s *domain.OperationSession) error {
		s.Append(now, "stop requested by operator")
		return nil
	})
	if err != nil {
		return fmt.Errorf("record stop request: %w", err)
	}

	c.log.Info().Str("session", name).Msg("stop requested")
	return nil
}

type SessionStatus struct {
	Session domain.OperationSession
	// Stale is set when the session claims to run but its owner stopped beating.
	Stale bool
}

func (c *Controller) Status(ctx context.Context, name string) (SessionStatus, error) {
	if name == "" {
		name = domain.DefaultSessionName
	}

	session, err := c.sessions.GetByName(ctx, name)
	if err != nil {
		return SessionStatus{}, fmt.Errorf("get session: %w", err)
	}

	return SessionStatus{
		Session: session,
		Stale:   session.Running && !session.Live(c.clock.Now()),
	}, nil
}

// Sessions lists every recorded session by name with its staleness.
func (c *Controller) Sessions(ctx context.Context) ([]SessionStatus, error) {
	sessions, err := c.sessions.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	now := c.clock.Now()
	statuses := make([]SessionStatus, 0, len(sessions))
	for _, session := range sessions {
		statuses = append(statuses, SessionStatus{
			Session: session,
			Stale:   session.Running && !session.Live(now),
		})
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Session.Name < statuses[j].Session.Name
	})
	return statuses, nil
}
