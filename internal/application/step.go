package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bnema/enrollctl/internal/domain"
)

// step makes one attempt on the target under the cursor. The cursor only moves
// once the target has a final outcome; rate limits, timeouts below the retry
// budget and lost connections leave it in place for the next identity.
func (o *operation) step(ctx context.Context) (stepResult, error) {
	if o.session.Done() {
		if _, err := o.finish(ctx, domain.SessionCompleted, fmt.Sprintf("target list finished with %d added; cursor reset", o.session.TotalAdded)); err != nil {
			return stepContinue, err
		}
		return stepCompleted, nil
	}

	target := o.session.CurrentTarget()
	if target == "" {
		return stepContinue, o.persist(ctx, func(s *domain.OperationSession) { s.Advance() })
	}

	id, ok, err := o.rotation.SelectNext(ctx)
	if err != nil {
		return stepContinue, err
	}
	if err := o.dropRemoved(ctx); err != nil {
		return stepContinue, err
	}
	if !ok {
		stop, err := o.suspend(ctx, target)
		if err != nil {
			return stepContinue, err
		}
		if stop {
			return stepStopped, nil
		}
		return stepContinue, nil
	}

	conn := o.conns[id]
	group := o.groups[id]

	var entity domain.Entity
	err = o.call(ctx, func(ctx context.Context) error {
		var resolveErr error
		entity, resolveErr = conn.ResolveEntity(ctx, target)
		return resolveErr
	})
	if err != nil {
		return stepContinue, o.fail(ctx, id, target, "resolve", err)
	}

	now := o.c.clock.Now()
	if o.session.Config.SkipPolicy.ShouldSkip(entity.Activity, now) {
		return stepContinue, o.record(ctx, id, target, "skipped", fmt.Sprintf("skipped %s: last seen %s", target, entity.Activity), true)
	}

	membership, err := o.membership(ctx, conn, group, entity)
	if err != nil {
		return stepContinue, o.fail(ctx, id, target, "membership check", err)
	}
	if membership == domain.MembershipMember {
		return stepContinue, o.record(ctx, id, target, "skipped", fmt.Sprintf("skipped %s: already a member", target), true)
	}

	cursor := o.session.Cursor
	if err := o.persist(ctx, func(s *domain.OperationSession) {
		s.InFlight = &domain.InFlight{Target: target, Identity: id, Cursor: cursor, At: now}
	}); err != nil {
		return stepContinue, err
	}

	err = o.call(ctx, func(ctx context.Context) error { return conn.Invite(ctx, group, entity) })
	if err != nil {
		return stepContinue, o.fail(ctx, id, target, "invite", err)
	}

	// The invite went out; its bookkeeping must land even if a stop arrives now.
	if err := o.recordInvite(context.WithoutCancel(ctx), id, target, entity); err != nil {
		return stepContinue, err
	}

	o.sleep(ctx, o.session.Config.InterAttemptDelay)
	return stepContinue, nil
}

// recordInvite counts the invite against the identity's quota and verifies that
// the target actually became a member. An identity removed from the registry
// meanwhile still gets the invite logged; it leaves the run afterwards.
func (o *operation) recordInvite(ctx context.Context, id domain.IdentityID, target string, entity domain.Entity) error {
	messages, err := o.countInvite(ctx, id, target, entity)
	if errors.Is(err, domain.ErrIdentityNotFound) {
		messages = append(messages, fmt.Sprintf("[%s] invite of %s sent but the identity was removed meanwhile; quota not counted", id, target))
		o.log.Warn().Str("identity", string(id)).Str("target", target).Str("outcome", "added").Msg("invite sent by a removed identity")
		o.forget(id)
	} else if err != nil {
		return err
	}

	now := o.c.clock.Now()
	if err := o.persist(ctx, func(s *domain.OperationSession) {
		s.TotalAdded++
		for _, message := range messages {
			s.Append(now, message)
		}
		s.InFlight = nil
		s.Advance()
	}); err != nil {
		return err
	}

	return o.dropRemoved(ctx)
}

// countInvite updates the identity's counters and returns the log lines gathered
// so far, also when it fails part way.
func (o *operation) countInvite(ctx context.Context, id domain.IdentityID, target string, entity domain.Entity) ([]string, error) {
	identity, err := o.c.registry.RecordSuccess(ctx, id)
	if err != nil {
		return nil, err
	}

	messages := []string{fmt.Sprintf("[%s] added %s (%d/%d today)", id, target, identity.DailyAdded, domain.DailyCap)}
	outcome := "added"

	membership, err := o.membership(ctx, o.conns[id], o.groups[id], entity)
	if err == nil && membership == domain.MembershipMember {
		if _, err := o.c.registry.RecordConfirmed(ctx, id); err != nil {
			return messages, err
		}
		messages = append(messages, fmt.Sprintf("[%s] membership of %s confirmed", id, target))
	} else {
		outcome = "unconfirmed"
		config := o.session.Config
		updated, tripped, recordErr := o.c.registry.RecordUnconfirmed(ctx, id, config.MaxConsecutiveUnconfirmed, config.CooldownDaysOnThreshold)
		if recordErr != nil {
			return messages, recordErr
		}
		if tripped {
			messages = append(messages, fmt.Sprintf("[%s] %d invites in a row not confirmed; cooling down for %d days",
				id, config.MaxConsecutiveUnconfirmed, config.CooldownDaysOnThreshold))
		} else {
			messages = append(messages, fmt.Sprintf("[%s] membership of %s not confirmed (%d/%d)",
				id, target, updated.ConsecutiveUnconfirmed, config.MaxConsecutiveUnconfirmed))
		}
	}

	o.log.Info().Str("identity", string(id)).Str("target", target).Str("outcome", outcome).Int("daily", identity.DailyAdded).Msg("invite sent")
	return messages, nil
}

// fail classifies a failed call and applies its consequence.
func (o *operation) fail(ctx context.Context, id domain.IdentityID, target, phase string, err error) error {
	if ctx.Err() != nil {
		return nil
	}

	if wait, ok := domain.AsRateLimited(err); ok {
		return o.rateLimited(ctx, id, target, phase, wait, domain.PauseReasonRateLimited)
	}

	switch {
	case errors.Is(err, errCallTimeout):
		return o.timedOut(ctx, id, target, phase)
	case errors.Is(err, domain.ErrConnectionLost):
		if retryErr := o.retryOrSkip(ctx, id, target, "connection_lost",
			fmt.Sprintf("connection lost during %s of %s", phase, target),
			fmt.Sprintf("connection lost during %s", phase)); retryErr != nil {
			return retryErr
		}
		return o.reconnect(ctx, id)
	case errors.Is(err, domain.ErrSpamFlood):
		return o.rateLimited(ctx, id, target, phase, domain.SpamFloodPause, domain.PauseReasonSpamFlood)
	case errors.Is(err, domain.ErrNotFound):
		return o.record(ctx, id, target, "skipped", fmt.Sprintf("skipped %s: not found", target), true)
	case errors.Is(err, domain.ErrPrivacyRestricted):
		return o.record(ctx, id, target, "skipped", fmt.Sprintf("skipped %s: privacy settings forbid invites", target), true)
	case errors.Is(err, domain.ErrNotMutualContact):
		return o.record(ctx, id, target, "skipped", fmt.Sprintf("skipped %s: not a mutual contact", target), true)
	}

	if wait, ok := domain.WaitFromText(err); ok {
		return o.rateLimited(ctx, id, target, phase, wait, domain.PauseReasonRateLimited)
	}

	return o.record(ctx, id, target, "failed", fmt.Sprintf("skipped %s: %s failed: %v", target, phase, err), true)
}

func (o *operation) rateLimited(ctx context.Context, id domain.IdentityID, target, phase string, wait time.Duration, reason domain.PauseReason) error {
	if _, err := o.c.registry.PauseFor(ctx, id, wait, reason); err != nil {
		return err
	}

	return o.record(ctx, id, target, "rate_limited", fmt.Sprintf("%s of %s rate limited; paused for %s", phase, target, wait), false)
}

func (o *operation) timedOut(ctx context.Context, id domain.IdentityID, target, phase string) error {
	return o.retryOrSkip(ctx, id, target, "timeout",
		fmt.Sprintf("%s of %s timed out", phase, target),
		fmt.Sprintf("%s timed out", phase))
}

// retryOrSkip holds the cursor for another attempt on target until the retry
// budget is spent, then skips the target.
func (o *operation) retryOrSkip(ctx context.Context, id domain.IdentityID, target, outcome, attempt, skipReason string) error {
	retries := o.session.TargetRetries + 1
	if retries >= domain.MaxTargetTimeouts {
		return o.record(ctx, id, target, outcome, fmt.Sprintf("skipped %s: %s %d times", target, skipReason, retries), true)
	}

	message := fmt.Sprintf("[%s] %s (%d/%d); will retry", id, attempt, retries, domain.MaxTargetTimeouts)
	o.log.Warn().Str("identity", string(id)).Str("target", target).Str("outcome", outcome).Msg(message)
	now := o.c.clock.Now()
	return o.persist(ctx, func(s *domain.OperationSession) {
		s.Append(now, message)
		s.InFlight = nil
		s.TargetRetries++
	})
}
