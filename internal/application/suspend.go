package application

import (
	"context"
	"fmt"
	"time"

	"github.com/bnema/enrollctl/internal/domain"
	"github.com/bnema/enrollctl/internal/ports"
)

// suspend parks the session until enough participants are eligible again. It
// wakes on registry changes, the earliest pause expiry and the poll interval,
// whichever comes first. It reports whether a stop was requested meanwhile.
func (o *operation) suspend(ctx context.Context, target string) (bool, error) {
	need := o.need()

	message := fmt.Sprintf("no identity available for %s; suspended until %d eligible", target, need)
	o.log.Info().Str("target", target).Int("need", need).Msg(message)
	now := o.c.clock.Now()
	if err := o.persist(ctx, func(s *domain.OperationSession) {
		s.State = domain.SessionSuspended
		s.Append(now, message)
	}); err != nil {
		return false, err
	}
	o.notify(ctx, ports.EventSuspended, message)

	for {
		if o.stopRequested(ctx) {
			return true, nil
		}

		missing, err := o.c.registry.Missing(ctx, o.rotation.Participants())
		if err != nil {
			return false, err
		}
		for _, id := range missing {
			o.forget(id)
		}
		if err := o.dropRemoved(ctx); err != nil {
			return false, err
		}
		need = o.need()

		participants := o.rotation.Participants()
		count, err := o.c.registry.CountEligible(ctx, participants, o.schedulable)
		if err != nil {
			return false, err
		}
		if count >= need {
			message := fmt.Sprintf("resuming with %d eligible identities", count)
			o.log.Info().Int("eligible", count).Msg(message)
			now := o.c.clock.Now()
			if err := o.persist(ctx, func(s *domain.OperationSession) {
				s.State = domain.SessionRunning
				s.Append(now, message)
			}); err != nil {
				return false, err
			}
			o.notify(ctx, ports.EventResumed, message)
			return false, nil
		}

		wait, err := o.nextWake(ctx, participants)
		if err != nil {
			return false, err
		}

		if o.c.clock.Now().Sub(o.session.Heartbeat) >= domain.MinSuspendPollInterval {
			if err := o.persist(ctx, func(*domain.OperationSession) {}); err != nil {
				return false, err
			}
		}

		select {
		case <-ctx.Done():
		case <-o.c.wake.C():
		case <-o.c.after(wait):
		}
	}
}

// need clamps the configured minimum to the participants still in the run.
func (o *operation) need() int {
	need := o.session.Config.MinEligibleIdentities
	if need > o.rotation.Len() {
		need = o.rotation.Len()
	}
	return need
}

// nextWake bounds the wait by the poll interval and the earliest pause expiry.
func (o *operation) nextWake(ctx context.Context, participants []domain.IdentityID) (time.Duration, error) {
	wait := o.session.Config.SuspendPollInterval

	until, ok, err := o.c.registry.NextPauseExpiry(ctx, participants)
	if err != nil {
		return 0, err
	}
	if ok {
		remaining := until.Sub(o.c.clock.Now())
		if remaining < time.Second {
			remaining = time.Second
		}
		if remaining < wait {
			wait = remaining
		}
	}

	return wait, nil
}
