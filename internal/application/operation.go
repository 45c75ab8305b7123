package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bnema/enrollctl/internal/domain"
	"github.com/bnema/enrollctl/internal/ports"
	"github.com/rs/zerolog"
)

type stepResult int

const (
	stepContinue stepResult = iota
	stepCompleted
	stepStopped
)

// operation is the state of one Run: the connections this process holds and the
// rotation over them. Everything durable lives in the session record.
type operation struct {
	c     *Controller
	name  string
	owner string
	log   zerolog.Logger

	session  domain.OperationSession
	rotation *Rotation
	conns    map[domain.IdentityID]ports.Messenger
	groups   map[domain.IdentityID]domain.Entity
	leased   []domain.IdentityID

	// offline holds participants whose reconnect hit a rate limit. They stay in
	// the rotation and reconnect once their pause is over.
	offline map[domain.IdentityID]bool
	// leaving collects participants found unusable while the rotation is scanned.
	leaving []departure
}

type departure struct {
	id      domain.IdentityID
	reason  string
	removed bool
}

func (o *operation) run(ctx context.Context) (domain.SessionState, error) {
	defer o.teardown(context.WithoutCancel(ctx))

	session, err := o.c.sessions.GetByName(ctx, o.name)
	if err != nil {
		return domain.SessionIdle, fmt.Errorf("load session: %w", err)
	}
	if session.Owner != o.owner {
		return session.State, errOwnershipLost
	}
	o.session = session

	if err := o.reconcile(ctx); err != nil {
		return o.abort(ctx, err)
	}

	if err := o.setup(ctx); err != nil {
		if ctx.Err() != nil {
			return o.finish(ctx, domain.SessionStopped, "stopped before any identity connected")
		}
		return o.abort(ctx, err)
	}
	if o.rotation.Len() == 0 {
		return o.finish(ctx, domain.SessionAborted, "aborted: no identity could connect to the group")
	}

	o.notify(ctx, ports.EventStarted, fmt.Sprintf("%d identities participating, target %d of %d",
		o.rotation.Len(), o.session.Cursor+1, len(o.session.Targets)))

	for {
		if o.stopRequested(ctx) {
			return o.finish(ctx, domain.SessionStopped, "stopped by operator")
		}

		result, err := o.step(ctx)
		if err != nil {
			if errors.Is(err, errOwnershipLost) {
				o.log.Warn().Msg("session taken over; exiting without touching it")
				return o.session.State, err
			}
			if ctx.Err() != nil {
				return o.finish(ctx, domain.SessionStopped, "stopped by operator")
			}
			return o.abort(ctx, err)
		}

		switch result {
		case stepCompleted:
			return domain.SessionCompleted, nil
		case stepStopped:
			return o.finish(ctx, domain.SessionStopped, "stopped by operator")
		}
	}
}

// reconcile reports an invite interrupted by a crash. The target is processed
// again; the membership check keeps the retry from inviting twice.
func (o *operation) reconcile(ctx context.Context) error {
	inFlight := o.session.InFlight
	if inFlight == nil {
		return nil
	}

	message := fmt.Sprintf("previous run was interrupted while %s invited %s; re-checking the target", inFlight.Identity, inFlight.Target)
	o.log.Warn().Str("identity", string(inFlight.Identity)).Str("target", inFlight.Target).Msg("interrupted invite found")
	return o.persist(ctx, func(s *domain.OperationSession) {
		s.Append(o.c.clock.Now(), message)
		s.InFlight = nil
	})
}

// persist applies fn to the freshest stored session, refreshes the heartbeat and
// keeps the result as the operation's view of the session.
func (o *operation) persist(ctx context.Context, fn func(*domain.OperationSession)) error {
	now := o.c.clock.Now()
	updated, err := o.c.sessions.Update(ctx, o.name, func(s *domain.OperationSession) error {
		if s.Owner != o.owner {
			return errOwnershipLost
		}
		fn(s)
		s.Heartbeat = now
		return nil
	})
	if err != nil {
		if errors.Is(err, errOwnershipLost) {
			return err
		}
		return fmt.Errorf("persist session: %w", err)
	}

	o.session = updated
	return nil
}

// record appends message to the session log, emits it as a structured event and
// optionally moves past the current target.
func (o *operation) record(ctx context.Context, id domain.IdentityID, target, outcome, message string, advance bool) error {
	event := o.log.Info()
	if outcome == "failed" || outcome == "rate_limited" || outcome == "timeout" || outcome == "connection_lost" {
		event = o.log.Warn()
	}
	event.Str("identity", string(id)).Str("target", target).Str("outcome", outcome).Msg(message)

	entry := message
	if id != "" {
		entry = fmt.Sprintf("[%s] %s", id, message)
	}
	now := o.c.clock.Now()
	return o.persist(ctx, func(s *domain.OperationSession) {
		s.Append(now, entry)
		s.InFlight = nil
		if advance {
			s.Advance()
		}
	})
}

func (o *operation) finish(ctx context.Context, state domain.SessionState, message string) (domain.SessionState, error) {
	ctx = context.WithoutCancel(ctx)
	now := o.c.clock.Now()
	err := o.persist(ctx, func(s *domain.OperationSession) {
		s.Append(now, message)
		if state == domain.SessionCompleted {
			s.Complete(now)
			return
		}
		s.Finish(state, now)
	})

	o.log.Info().Str("state", string(state)).Int("added", o.session.TotalAdded).Msg(message)
	switch state {
	case domain.SessionCompleted:
		o.notify(ctx, ports.EventCompleted, message)
	case domain.SessionStopped:
		o.notify(ctx, ports.EventStopped, message)
	case domain.SessionAborted:
		o.notify(ctx, ports.EventAborted, message)
	}

	return state, err
}

func (o *operation) abort(ctx context.Context, cause error) (domain.SessionState, error) {
	state, err := o.finish(ctx, domain.SessionAborted, fmt.Sprintf("aborted: %v", cause))
	if errors.Is(cause, errNoParticipants) {
		return state, err
	}
	return state, errors.Join(cause, err)
}

func (o *operation) notify(ctx context.Context, kind ports.EventKind, message string) {
	event := ports.Event{
		Kind:       kind,
		Session:    o.name,
		Group:      o.session.Group,
		Message:    message,
		TotalAdded: o.session.TotalAdded,
		At:         o.c.clock.Now(),
	}
	if err := o.c.notifier.Notify(context.WithoutCancel(ctx), event); err != nil {
		o.log.Warn().Err(err).Str("event", string(kind)).Msg("notification failed")
	}
}

// stopRequested is the cooperative cancellation checkpoint.
func (o *operation) stopRequested(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}

	stop, err := o.c.stops.ConsumeStop(ctx, o.name)
	if err != nil {
		o.log.Warn().Err(err).Msg("check stop request")
		return false
	}
	return stop
}

// call runs fn under the per-call deadline. An expired deadline is reported as
// errCallTimeout unless the parent context itself was cancelled.
func (o *operation) call(ctx context.Context, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, o.session.Config.CallTimeout)
	defer cancel()

	err := fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", errCallTimeout, err)
	}
	return err
}

func (o *operation) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-o.c.after(d):
	}
}

func (o *operation) connected(id domain.IdentityID) bool {
	return o.conns[id] != nil
}

// schedulable counts offline participants too: they reconnect when picked.
func (o *operation) schedulable(id domain.IdentityID) bool {
	return o.connected(id) || o.offline[id]
}

func (o *operation) eligible(ctx context.Context, id domain.IdentityID) (bool, error) {
	ok, err := o.c.registry.IsEligible(ctx, id, o.schedulable(id))
	if errors.Is(err, domain.ErrIdentityNotFound) {
		o.forget(id)
		return false, nil
	}
	if err != nil || !ok || !o.offline[id] {
		return ok, err
	}
	return o.redial(ctx, id)
}

func (o *operation) leave(id domain.IdentityID, reason string) {
	o.leaving = append(o.leaving, departure{id: id, reason: reason})
}

// forget queues an identity deleted from the registry. Its lease went with it.
func (o *operation) forget(id domain.IdentityID) {
	o.leaving = append(o.leaving, departure{id: id, reason: "identity was removed", removed: true})
}

// dropRemoved takes participants collected by leave out of the run. The session
// only fails once nobody is left.
func (o *operation) dropRemoved(ctx context.Context) error {
	leaving := o.leaving
	o.leaving = nil
	if len(leaving) == 0 {
		return nil
	}

	for _, d := range leaving {
		if !o.rotation.Contains(d.id) {
			continue
		}
		o.disconnect(d.id)
		delete(o.offline, d.id)
		o.rotation.Remove(d.id)
		if d.removed {
			o.forgetLease(d.id)
		} else {
			o.release(ctx, d.id)
		}
		if err := o.record(ctx, d.id, "", "dropped", "dropped from the run: "+d.reason, false); err != nil {
			return err
		}
	}

	if o.rotation.Len() == 0 {
		return errNoParticipants
	}
	return nil
}

// setup connects every schedulable identity and keeps those that can reach the group.
func (o *operation) setup(ctx context.Context) error {
	identities, err := o.c.registry.List(ctx)
	if err != nil {
		return err
	}

	participants := make([]domain.IdentityID, 0, len(identities))
	for _, identity := range identities {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch {
		case identity.Paused && identity.PausedUntil == nil:
			o.log.Info().Str("identity", string(identity.ID)).Str("reason", string(identity.PauseReason)).Msg("identity paused; not connecting")
			continue
		case identity.CredentialRef == "":
			if err := o.record(ctx, identity.ID, "", "excluded", "excluded: no credential stored", false); err != nil {
				return err
			}
			continue
		}

		if _, err := o.c.registry.Lease(ctx, identity.ID, o.name, o.holderGone(ctx)); err != nil {
			if errors.Is(err, ErrLeaseHeld) {
				if err := o.record(ctx, identity.ID, "", "excluded", "excluded: in use by another session", false); err != nil {
					return err
				}
				continue
			}
			return err
		}
		o.leased = append(o.leased, identity.ID)

		conn, group, err := o.connect(ctx, identity)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := o.exclude(ctx, identity.ID, err); err != nil {
				return err
			}
			continue
		}

		o.conns[identity.ID] = conn
		o.groups[identity.ID] = group
		participants = append(participants, identity.ID)
		if err := o.record(ctx, identity.ID, "", "connected", "connected and member of the group", false); err != nil {
			return err
		}
	}

	o.rotation = NewRotation(participants, o.eligible)
	return nil
}

// exclude keeps an identity out of this run. Identities that cannot reach the
// group stay paused until an operator unpauses them.
func (o *operation) exclude(ctx context.Context, id domain.IdentityID, cause error) error {
	o.release(ctx, id)

	if wait, ok := domain.WaitDuration(cause); ok {
		if _, err := o.c.registry.PauseFor(ctx, id, wait, domain.PauseReasonRateLimited); err != nil {
			return err
		}
		return o.record(ctx, id, "", "excluded", fmt.Sprintf("excluded: rate limited for %s", wait), false)
	}

	if errors.Is(cause, errGroupUnreachable) {
		if _, err := o.c.registry.PauseIndefinitely(ctx, id, domain.PauseReasonGroupUnreachable); err != nil {
			return err
		}
	}

	return o.record(ctx, id, "", "excluded", fmt.Sprintf("excluded: %v", cause), false)
}

func (o *operation) holderGone(ctx context.Context) func(string) bool {
	return func(holder string) bool {
		session, err := o.c.sessions.GetByName(ctx, holder)
		if errors.Is(err, domain.ErrSessionNotFound) {
			return true
		}
		if err != nil {
			return false
		}
		return !session.Live(o.c.clock.Now())
	}
}

// connect dials the identity and makes sure it is a member of the target group.
func (o *operation) connect(ctx context.Context, identity domain.Identity) (ports.Messenger, domain.Entity, error) {
	credential, err := o.c.registry.Credential(ctx, identity)
	if err != nil {
		return nil, domain.Entity{}, err
	}

	conn, err := o.dial(ctx, identity, credential)
	if err != nil {
		return nil, domain.Entity{}, err
	}

	group, err := o.joinGroup(ctx, conn)
	if err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			o.log.Debug().Err(closeErr).Str("identity", string(identity.ID)).Msg("close connection")
		}
		return nil, domain.Entity{}, err
	}

	return conn, group, nil
}

// dial retries contention on the identity's session a fixed number of times.
func (o *operation) dial(ctx context.Context, identity domain.Identity, credential string) (ports.Messenger, error) {
	var lastErr error
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		var conn ports.Messenger
		err := o.call(ctx, func(ctx context.Context) error {
			var dialErr error
			conn, dialErr = o.c.dialer.Dial(ctx, identity, credential)
			return dialErr
		})
		if err == nil {
			return conn, nil
		}
		if !errors.Is(err, domain.ErrContention) {
			return nil, fmt.Errorf("connect: %w", err)
		}

		lastErr = err
		o.log.Debug().Str("identity", string(identity.ID)).Int("attempt", attempt).Msg("session busy; retrying connect")
		if attempt < dialAttempts {
			o.sleep(ctx, dialBackoff)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}
	}

	return nil, fmt.Errorf("connect: %w", lastErr)
}

func (o *operation) joinGroup(ctx context.Context, conn ports.Messenger) (domain.Entity, error) {
	var group domain.Entity
	err := o.call(ctx, func(ctx context.Context) error {
		var resolveErr error
		group, resolveErr = conn.ResolveEntity(ctx, o.session.Group)
		return resolveErr
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Entity{}, fmt.Errorf("%w: %v", errGroupUnreachable, err)
		}
		return domain.Entity{}, fmt.Errorf("resolve group: %w", err)
	}
	if !group.CanHoldMembers() {
		return domain.Entity{}, fmt.Errorf("%w: %s is a %s", errGroupUnreachable, o.session.Group, group.Kind)
	}

	var self domain.Entity
	if err := o.call(ctx, func(ctx context.Context) error {
		var selfErr error
		self, selfErr = conn.Self(ctx)
		return selfErr
	}); err != nil {
		return domain.Entity{}, fmt.Errorf("resolve own account: %w", err)
	}

	membership, err := o.membership(ctx, conn, group, self)
	if err != nil {
		return domain.Entity{}, fmt.Errorf("check group membership: %w", err)
	}
	if membership == domain.MembershipMember {
		return group, nil
	}

	if err := o.call(ctx, func(ctx context.Context) error { return conn.JoinGroup(ctx, group) }); err != nil {
		if _, limited := domain.WaitDuration(err); limited || errors.Is(err, errCallTimeout) || errors.Is(err, domain.ErrConnectionLost) {
			return domain.Entity{}, fmt.Errorf("join group: %w", err)
		}
		return domain.Entity{}, fmt.Errorf("%w: join: %v", errGroupUnreachable, err)
	}

	membership, err = o.membership(ctx, conn, group, self)
	if err != nil {
		return domain.Entity{}, fmt.Errorf("check group membership: %w", err)
	}
	if membership != domain.MembershipMember {
		return domain.Entity{}, fmt.Errorf("%w: joined but membership not visible", errGroupUnreachable)
	}

	return group, nil
}

func (o *operation) membership(ctx context.Context, conn ports.Messenger, group, target domain.Entity) (domain.Membership, error) {
	var membership domain.Membership
	err := o.call(ctx, func(ctx context.Context) error {
		var memberErr error
		membership, memberErr = conn.GetMembership(ctx, group, target)
		return memberErr
	})
	if errors.Is(err, domain.ErrNotParticipant) {
		return domain.MembershipNotMember, nil
	}
	if err != nil {
		return "", err
	}
	return membership, nil
}

// reconnect replaces a lost connection once. A rate limit on the way back keeps
// the identity paused and offline; any other failure drops it from the run.
func (o *operation) reconnect(ctx context.Context, id domain.IdentityID) error {
	o.disconnect(id)

	ok, err := o.redial(ctx, id)
	if err != nil || ok {
		return err
	}
	return o.dropRemoved(ctx)
}

// redial connects id again and reports whether it is usable now. Unusable
// identities are either paused offline or queued to leave the rotation.
func (o *operation) redial(ctx context.Context, id domain.IdentityID) (bool, error) {
	identity, err := o.c.registry.Get(ctx, id)
	if errors.Is(err, domain.ErrIdentityNotFound) {
		o.forget(id)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	conn, group, err := o.connect(ctx, identity)
	if err == nil {
		delete(o.offline, id)
		o.conns[id] = conn
		o.groups[id] = group
		return true, o.record(ctx, id, "", "reconnected", "reconnected after losing the connection", false)
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	if wait, limited := domain.WaitDuration(err); limited {
		if _, pauseErr := o.c.registry.PauseFor(ctx, id, wait, domain.PauseReasonRateLimited); pauseErr != nil {
			return false, pauseErr
		}
		if o.offline == nil {
			o.offline = make(map[domain.IdentityID]bool)
		}
		o.offline[id] = true
		return false, o.record(ctx, id, "", "rate_limited", fmt.Sprintf("reconnect rate limited; paused for %s", wait), false)
	}

	o.leave(id, err.Error())
	return false, nil
}

func (o *operation) disconnect(id domain.IdentityID) {
	conn := o.conns[id]
	delete(o.conns, id)
	delete(o.groups, id)
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		o.log.Debug().Err(err).Str("identity", string(id)).Msg("close connection")
	}
}

// forgetLease drops the lease from the local list without touching the registry.
func (o *operation) forgetLease(id domain.IdentityID) {
	for i, leased := range o.leased {
		if leased == id {
			o.leased = append(o.leased[:i], o.leased[i+1:]...)
			return
		}
	}
}

func (o *operation) release(ctx context.Context, id domain.IdentityID) {
	for i, leased := range o.leased {
		if leased != id {
			continue
		}
		o.leased = append(o.leased[:i], o.leased[i+1:]...)
		if err := o.c.registry.Release(ctx, id, o.name); err != nil {
			o.log.Warn().Err(err).Str("identity", string(id)).Msg("release identity")
		}
		return
	}
}

func (o *operation) teardown(ctx context.Context) {
	for id := range o.conns {
		o.disconnect(id)
	}
	for len(o.leased) > 0 {
		o.release(ctx, o.leased[0])
	}
}
