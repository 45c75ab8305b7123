package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bnema/enrollctl/internal/domain"
	"github.com/bnema/enrollctl/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControllerCompletesAndResetsCursor(t *testing.T) {
	h := newHarness(t, newFakeNetwork("@grp", "@x", "@y"))
	h.register("a")

	state, err := h.startAndRun(StartCommand{Group: "@grp", Targets: []string{"x", "", "@y"}, Config: quickConfig()})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, state)

	session := h.session(domain.DefaultSessionName)
	assert.False(t, session.Running)
	assert.Equal(t, domain.SessionCompleted, session.State)
	assert.Equal(t, 0, session.Cursor)
	assert.Equal(t, 2, session.TotalAdded)
	assert.Nil(t, session.InFlight)
	assert.Equal(t, []string{"@x", "", "@y"}, session.Targets)

	assert.Equal(t, []inviteCall{{Identity: "a", Target: "@x"}, {Identity: "a", Target: "@y"}}, h.network.invited())
	identity := h.identity("a")
	assert.Equal(t, 2, identity.DailyAdded)
	assert.Equal(t, 2, identity.TotalAdded)
	assert.Empty(t, identity.LeasedBy)
	assert.Equal(t, 1, h.network.closed["a"])
	assert.Equal(t, []ports.EventKind{ports.EventStarted, ports.EventCompleted}, h.notifier.kinds())
}

func TestControllerSpreadsInvitesAcrossIdentities(t *testing.T) {
	h := newHarness(t, newFakeNetwork("@grp", "@t1", "@t2", "@t3", "@t4"))
	h.register("c", "a", "b")

	state, err := h.startAndRun(StartCommand{Group: "@grp", Targets: []string{"@t1", "@t2", "@t3", "@t4"}, Config: quickConfig()})
	require.NoError(t, err)
	require.Equal(t, domain.SessionCompleted, state)

	assert.Equal(t, []inviteCall{
		{Identity: "a", Target: "@t1"},
		{Identity: "b", Target: "@t2"},
		{Identity: "c", Target: "@t3"},
		{Identity: "a", Target: "@t4"},
	}, h.network.invited())
}

func TestControllerRateLimitedInvitePausesIdentityAndKeepsTarget(t *testing.T) {
	h := newHarness(t, newFakeNetwork("@grp", "@x"))
	h.register("a", "b")
	h.network.failInvite("@x", domain.NewRateLimited(90))
	started := h.clock.Now()

	state, err := h.startAndRun(StartCommand{Group: "@grp", Targets: []string{"@x"}, Config: quickConfig()})
	require.NoError(t, err)
	require.Equal(t, domain.SessionCompleted, state)

	a := h.identity("a")
	assert.True(t, a.Paused)
	assert.Equal(t, domain.PauseReasonRateLimited, a.PauseReason)
	require.NotNil(t, a.PausedUntil)
	assert.Equal(t, started.Add(90*time.Second), *a.PausedUntil)
	assert.Equal(t, []inviteCall{{Identity: "b", Target: "@x"}}, h.network.invited())
}

func TestControllerRateLimitedResolveKeepsCursor(t *testing.T) {
	h := newHarness(t, newFakeNetwork("@grp", "@x"))
	h.register("a", "b")
	h.network.failResolve("@x", domain.NewRateLimited(30))

	state, err := h.startAndRun(StartCommand{Group: "@grp", Targets: []string{"@x"}, Config: quickConfig()})
	require.NoError(t, err)
	require.Equal(t, domain.SessionCompleted, state)

	assert.True(t, h.identity("a").Paused)
	assert.Equal(t, []inviteCall{{Identity: "b", Target: "@x"}}, h.network.invited())
	assert.Contains(t, logMessages(h.session(domain.DefaultSessionName)), "[a] resolve of @x rate limited; paused for 30s")
}

func TestControllerWaitDecodedFromErrorText(t *testing.T) {
	h := newHarness(t, newFakeNetwork("@grp", "@x"))
	h.register("a", "b")
	h.network.failInvite("@x", errors.New("rpc error: A wait of 45 seconds is required"))

	_, err := h.startAndRun(StartCommand{Group: "@grp", Targets: []string{"@x"}, Config: quickConfig()})
	require.NoError(t, err)

	a := h.identity("a")
	assert.Equal(t, domain.PauseReasonRateLimited, a.PauseReason)
	assert.Equal(t, 45*time.Second, a.CooldownRemaining(h.clock.Now()))
	assert.Equal(t, []inviteCall{{Identity: "b", Target: "@x"}}, h.network.invited())
}

func TestControllerSpamFloodPausesForTwoMinutes(t *testing.T) {
	h := newHarness(t, newFakeNetwork("@grp", "@x"))
	h.register("a", "b")
	h.network.failInvite("@x", domain.ErrSpamFlood)

	_, err := h.startAndRun(StartCommand{Group: "@grp", Targets: []string{"@x"}, Config: quickConfig()})
	require.NoError(t, err)

	a := h.identity("a")
	assert.Equal(t, domain.PauseReasonSpamFlood, a.PauseReason)
	assert.Equal(t, domain.SpamFloodPause, a.CooldownRemaining(h.clock.Now()))
	assert.Equal(t, []inviteCall{{Identity: "b", Target: "@x"}}, h.network.invited())
}

func TestControllerSkipsUnreachableTargets(t *testing.T) {
	h := newHarness(t, newFakeNetwork("@grp", "@private", "@stranger", "@member", "@ok"))
	h.register("a")
	h.network.failInvite("@private", domain.ErrPrivacyRestricted)
	h.network.failInvite("@stranger", domain.ErrNotMutualContact)
	h.network.setMember("@member")

	state, err := h.startAndRun(StartCommand{
		Group:   "@grp",
		Targets: []string{"@ghost", "@private", "@stranger", "@member", "@ok"},
		Config:  quickConfig(),
	})
	require.NoError(t, err)
	require.Equal(t, domain.SessionCompleted, state)

	assert.Equal(t, []inviteCall{{Identity: "a", Target: "@ok"}}, h.network.invited())
	messages := logMessages(h.session(domain.DefaultSessionName))
	assert.Contains(t, messages, "[a] skipped @ghost: not found")
	assert.Contains(t, messages, "[a] skipped @private: privacy settings forbid invites")
	assert.Contains(t, messages, "[a] skipped @stranger: not a mutual contact")
	assert.Contains(t, messages, "[a] skipped @member: already a member")
	assert.Equal(t, 0, h.identity("a").ConsecutiveUnconfirmed)
}

func TestControllerSkipPolicyFiltersInactiveTargets(t *testing.T) {
	network := newFakeNetwork("@grp", "@fresh")
	h := newHarness(t, network)
	network.addUser(domain.Entity{
		ID:       "user-old",
		Handle:   "@old",
		Kind:     domain.EntityUser,
		Activity: domain.Activity{Kind: domain.ActivityOffline, LastSeen: h.clock.Now().Add(-10 * 24 * time.Hour)},
	})
	h.register("a")

	config := quickConfig()
	config.SkipPolicy = domain.SkipPolicy{OlderThan7Days: true}
	_, err := h.startAndRun(StartCommand{Group: "@grp", Targets: []string{"@old", "@fresh"}, Config: config})
	require.NoError(t, err)

	assert.Equal(t, []inviteCall{{Identity: "a", Target: "@fresh"}}, h.network.invited())
}

func TestControllerUnconfirmedThresholdTripsCooldown(t *testing.T) {
	network := newFakeNetwork("@grp", "@x", "@y", "@z")
	network.unconfirm["@x"] = true
	network.unconfirm["@y"] = true
	network.unconfirm["@z"] = true
	h := newHarness(t, network)
	h.register("a")

	state, err := h.startAndRun(StartCommand{Group: "@grp", Targets: []string{"@x", "@y", "@z"}, Config: quickConfig()})
	require.NoError(t, err)
	require.Equal(t, domain.SessionCompleted, state)

	a := h.identity("a")
	assert.True(t, a.Paused)
	assert.Equal(t, domain.PauseReasonTooManyUnconfirmed, a.PauseReason)
	assert.Equal(t, 0, a.ConsecutiveUnconfirmed)
	assert.Equal(t, 48*time.Hour, a.CooldownRemaining(h.clock.Now()))
	assert.Equal(t, 3, a.DailyAdded)
	assert.Contains(t, logMessages(h.session(domain.DefaultSessionName)), "[a] 3 invites in a row not confirmed; cooling down for 2 days")
}

func TestControllerSuspendsUntilPauseExpires(t *testing.T) {
	h := newHarness(t, newFakeNetwork("@grp", "@x"))
	h.register("a")
	h.network.failInvite("@x", domain.NewRateLimited(30))

	config := quickConfig()
	config.MinEligibleIdentities = 5
	state, err := h.startAndRun(StartCommand{Group: "@grp", Targets: []string{"@x"}, Config: config})
	require.NoError(t, err)
	require.Equal(t, domain.SessionCompleted, state)

	assert.Equal(t, []inviteCall{{Identity: "a", Target: "@x"}}, h.network.invited())
	assert.Equal(t, []ports.EventKind{ports.EventStarted, ports.EventSuspended, ports.EventResumed, ports.EventCompleted}, h.notifier.kinds())
	messages := logMessages(h.session(domain.DefaultSessionName))
	assert.Contains(t, messages, "no identity available for @x; suspended until 1 eligible")
	assert.Contains(t, messages, "resuming with 1 eligible identities")
}

func TestControllerTimeoutRetriesThenSkips(t *testing.T) {
	h := newHarness(t, newFakeNetwork("@grp", "@x", "@y"))
	h.register("a")
	h.network.failResolve("@x", errHang, errHang, errHang)

	state, err := h.startAndRun(StartCommand{Group: "@grp", Targets: []string{"@x", "@y"}, Config: quickConfig()})
	require.NoError(t, err)
	require.Equal(t, domain.SessionCompleted, state)

	assert.Equal(t, []inviteCall{{Identity: "a", Target: "@y"}}, h.network.invited())
	messages := logMessages(h.session(domain.DefaultSessionName))
	assert.Contains(t, messages, "[a] resolve of @x timed out (1/3); will retry")
	assert.Contains(t, messages, "[a] resolve of @x timed out (2/3); will retry")
	assert.Contains(t, messages, "[a] skipped @x: resolve timed out 3 times")
}

func TestControllerTimeoutRetrySucceeds(t *testing.T) {
	h := newHarness(t, newFakeNetwork("@grp", "@x"))
	h.register("a")
	h.network.failInvite("@x", errHang)

	_, err := h.startAndRun(StartCommand{Group: "@grp", Targets: []string{"@x"}, Config: quickConfig()})
	require.NoError(t, err)

	assert.Equal(t, []inviteCall{{Identity: "a", Target: "@x"}}, h.network.invited())
	assert.Equal(t, 0, h.session(domain.DefaultSessionName).TargetRetries)
}

func TestControllerReconnectsAfterConnectionLoss(t *testing.T) {
	h := newHarness(t, newFakeNetwork("@grp", "@x"))
	h.register("a")
	h.network.failInvite("@x", domain.ErrConnectionLost)

	state, err := h.startAndRun(StartCommand{Group: "@grp", Targets: []string{"@x"}, Config: quickConfig()})
	require.NoError(t, err)
	require.Equal(t, domain.SessionCompleted, state)

	assert.Equal(t, 2, h.network.dials["a"])
	assert.Equal(t, []inviteCall{{Identity: "a", Target: "@x"}}, h.network.invited())
}

func TestControllerAbortsWhenLastIdentityDrops(t *testing.T) {
	h := newHarness(t, newFakeNetwork("@grp", "@x"))
	h.register("a")
	h.network.failDial("a", nil, errors.New("account banned"))
	h.network.failInvite("@x", domain.ErrConnectionLost)

	state, err := h.startAndRun(StartCommand{Group: "@grp", Targets: []string{"@x"}, Config: quickConfig()})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionAborted, state)

	session := h.session(domain.DefaultSessionName)
	assert.False(t, session.Running)
	assert.Equal(t, 0, session.Cursor)
	assert.Empty(t, h.identity("a").LeasedBy)
	assert.Equal(t, []ports.EventKind{ports.EventStarted, ports.EventAborted}, h.notifier.kinds())
}

func TestControllerRetriesDialContention(t *testing.T) {
	h := newHarness(t, newFakeNetwork("@grp", "@x"))
	h.register("a")
	h.network.failDial("a", domain.ErrContention, domain.ErrContention)
	started := h.clock.Now()

	state, err := h.startAndRun(StartCommand{Group: "@grp", Targets: []string{"@x"}, Config: quickConfig()})
	require.NoError(t, err)
	require.Equal(t, domain.SessionCompleted, state)

	assert.Equal(t, 3, h.network.dials["a"])
	assert.Equal(t, started.Add(2*dialBackoff), h.clock.Now())
}

func TestControllerAbortsWithoutParticipants(t *testing.T) {
	h := newHarness(t, newFakeNetwork("@grp", "@x"))

	state, err := h.startAndRun(StartCommand{Group: "@grp", Targets: []string{"@x"}, Config: quickConfig()})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionAborted, state)
	assert.Equal(t, []ports.EventKind{ports.EventAborted}, h.notifier.kinds())
}

func TestControllerPausesIdentitiesThatCannotReachGroup(t *testing.T) {
	h := newHarness(t, newFakeNetwork("@grp", "@x"))
	h.register("a")

	state, err := h.startAndRun(StartCommand{Group: "@elsewhere", Targets: []string{"@x"}, Config: quickConfig()})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionAborted, state)

	a := h.identity("a")
	assert.True(t, a.Paused)
	assert.Nil(t, a.PausedUntil)
	assert.Equal(t, domain.PauseReasonGroupUnreachable, a.PauseReason)
}

func TestControllerJoinsGroupDuringSetup(t *testing.T) {
	h := newHarness(t, newFakeNetwork("@grp", "@x"))
	h.register("a")

	_, err := h.startAndRun(StartCommand{Group: "@grp", Targets: []string{"@x"}, Config: quickConfig()})
	require.NoError(t, err)
	assert.True(t, h.network.isMember("@a"))
}

func TestControllerStopAtCheckpointAndResume(t *testing.T) {
	network := newFakeNetwork("@grp", "@x", "@y")
	h := newHarness(t, network)
	h.register("a")
	ctx := context.Background()

	var stopErr error
	stopped := false
	network.onInvite = func(string) {
		if !stopped {
			stopped = true
			stopErr = h.ctrl.RequestStop(ctx, domain.DefaultSessionName)
		}
	}

	state, err := h.startAndRun(StartCommand{Group: "@grp", Targets: []string{"@x", "@y"}, Config: quickConfig()})
	require.NoError(t, err)
	require.NoError(t, stopErr)
	require.Equal(t, domain.SessionStopped, state)

	session := h.session(domain.DefaultSessionName)
	assert.False(t, session.Running)
	assert.Equal(t, 1, session.Cursor)
	assert.Contains(t, logMessages(session), "stop requested by operator")
	assert.Contains(t, logMessages(session), "stopped by operator")

	state, err = h.startAndRun(StartCommand{Group: "@grp", Targets: []string{"@x", "@y"}, Config: quickConfig()})
	require.NoError(t, err)
	require.Equal(t, domain.SessionCompleted, state)
	assert.Equal(t, []inviteCall{{Identity: "a", Target: "@x"}, {Identity: "a", Target: "@y"}}, network.invited())
	assert.Contains(t, logMessages(h.session(domain.DefaultSessionName)), "resuming @grp at target 2 of 2")
}

func TestControllerStopsOnContextCancel(t *testing.T) {
	network := newFakeNetwork("@grp", "@x", "@y")
	h := newHarness(t, network)
	h.register("a")

	ctx, cancel := context.WithCancel(context.Background())
	network.onInvite = func(string) { cancel() }

	_, err := h.ctrl.Start(ctx, StartCommand{Group: "@grp", Targets: []string{"@x", "@y"}, Config: quickConfig()})
	require.NoError(t, err)
	state, err := h.ctrl.Run(ctx, domain.DefaultSessionName)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStopped, state)

	session := h.session(domain.DefaultSessionName)
	assert.Equal(t, 1, session.Cursor)
	assert.Equal(t, 1, session.TotalAdded)
	assert.Equal(t, 1, h.identity("a").DailyAdded)
}

func TestControllerChangedTargetsRestartFromFirst(t *testing.T) {
	network := newFakeNetwork("@grp", "@x", "@y", "@z")
	h := newHarness(t, network)
	h.register("a")
	ctx := context.Background()

	_, err := h.ctrl.Start(ctx, StartCommand{Group: "@grp", Targets: []string{"@x", "@y"}, Config: quickConfig()})
	require.NoError(t, err)
	_, err = h.store.Sessions().Update(ctx, domain.DefaultSessionName, func(s *domain.OperationSession) error {
		s.Cursor = 1
		s.Finish(domain.SessionStopped, h.clock.Now())
		return nil
	})
	require.NoError(t, err)

	session, err := h.ctrl.Start(ctx, StartCommand{Group: "@grp", Targets: []string{"@z"}, Config: quickConfig()})
	require.NoError(t, err)
	assert.Equal(t, 0, session.Cursor)
	assert.Contains(t, logMessages(session), "group or target list changed; starting from the first target")
}

func TestControllerReconcilesInterruptedInvite(t *testing.T) {
	network := newFakeNetwork("@grp", "@x", "@y")
	h := newHarness(t, network)
	h.register("a")
	ctx := context.Background()

	_, err := h.ctrl.Start(ctx, StartCommand{Group: "@grp", Targets: []string{"@x", "@y"}, Config: quickConfig()})
	require.NoError(t, err)
	_, err = h.store.Sessions().Update(ctx, domain.DefaultSessionName, func(s *domain.OperationSession) error {
		s.InFlight = &domain.InFlight{Target: "@x", Identity: "a", Cursor: 0, At: h.clock.Now()}
		return nil
	})
	require.NoError(t, err)
	// The interrupted invite went through before the crash.
	network.setMember("@x")

	state, err := h.ctrl.Run(ctx, domain.DefaultSessionName)
	require.NoError(t, err)
	require.Equal(t, domain.SessionCompleted, state)

	assert.Equal(t, []inviteCall{{Identity: "a", Target: "@y"}}, network.invited())
	messages := logMessages(h.session(domain.DefaultSessionName))
	assert.Contains(t, messages, "previous run was interrupted while a invited @x; re-checking the target")
	assert.Contains(t, messages, "[a] skipped @x: already a member")
}

func TestControllerStartRejectsSecondRunningSession(t *testing.T) {
	h := newHarness(t, newFakeNetwork("@grp", "@x"))
	ctx := context.Background()

	_, err := h.ctrl.Start(ctx, StartCommand{Name: "one", Group: "@grp", Targets: []string{"@x"}, Config: quickConfig()})
	require.NoError(t, err)

	other := h.newController()
	_, err = other.Start(ctx, StartCommand{Name: "two", Group: "@grp", Targets: []string{"@x"}, Config: quickConfig()})
	require.ErrorIs(t, err, domain.ErrAlreadyRunning)
	_, err = other.Start(ctx, StartCommand{Name: "one", Group: "@grp", Targets: []string{"@x"}, Config: quickConfig()})
	require.ErrorIs(t, err, domain.ErrAlreadyRunning)
}

func TestControllerTakesOverStaleSession(t *testing.T) {
	h := newHarness(t, newFakeNetwork("@grp", "@x"))
	h.register("a")
	ctx := context.Background()

	_, err := h.ctrl.Start(ctx, StartCommand{Group: "@grp", Targets: []string{"@x"}, Config: quickConfig()})
	require.NoError(t, err)

	status, err := h.ctrl.Status(ctx, domain.DefaultSessionName)
	require.NoError(t, err)
	assert.False(t, status.Stale)

	h.clock.Advance(domain.HeartbeatStaleAfter + time.Minute)
	status, err = h.ctrl.Status(ctx, domain.DefaultSessionName)
	require.NoError(t, err)
	assert.True(t, status.Stale)

	restarted := h.newController()
	_, err = restarted.Start(ctx, StartCommand{Group: "@grp", Targets: []string{"@x"}, Config: quickConfig()})
	require.NoError(t, err)

	state, err := restarted.Run(ctx, domain.DefaultSessionName)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, state)
	assert.Contains(t, logMessages(h.session(domain.DefaultSessionName)), "previous run stopped responding; taking over")

	// The first controller lost ownership and must not touch the session.
	_, err = h.ctrl.Run(ctx, domain.DefaultSessionName)
	require.ErrorIs(t, err, errOwnershipLost)
}

func TestControllerStartRejectsInvalidInput(t *testing.T) {
	h := newHarness(t, newFakeNetwork("@grp"))
	ctx := context.Background()

	_, err := h.ctrl.Start(ctx, StartCommand{Group: " ", Targets: []string{"@x"}})
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = h.ctrl.Start(ctx, StartCommand{Group: "@grp", Targets: []string{"", "  "}})
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestControllerRequestStopWhenNothingRuns(t *testing.T) {
	h := newHarness(t, newFakeNetwork("@grp"))

	err := h.ctrl.RequestStop(context.Background(), "")
	require.ErrorIs(t, err, domain.ErrNotRunning)
}

func TestControllerRequestStopFinishesStaleSession(t *testing.T) {
	h := newHarness(t, newFakeNetwork("@grp", "@x"))
	ctx := context.Background()

	_, err := h.ctrl.Start(ctx, StartCommand{Group: "@grp", Targets: []string{"@x"}, Config: quickConfig()})
	require.NoError(t, err)
	h.clock.Advance(time.Hour)

	require.NoError(t, h.ctrl.RequestStop(ctx, ""))
	session := h.session(domain.DefaultSessionName)
	assert.False(t, session.Running)
	assert.Equal(t, domain.SessionStopped, session.State)
}

func TestControllerRunRequiresStart(t *testing.T) {
	h := newHarness(t, newFakeNetwork("@grp"))

	_, err := h.ctrl.Run(context.Background(), "never-started")
	require.ErrorIs(t, err, domain.ErrNotRunning)
}

func TestControllerContinuesWhenIdentityRemovedMidRun(t *testing.T) {
	h := newHarness(t, newFakeNetwork("@grp", "@x", "@y", "@z"))
	h.register("a", "b")
	removed := false
	h.network.onInvite = func(string) {
		if removed {
			return
		}
		removed = true
		require.NoError(t, h.registry.Remove(context.Background(), "b"))
	}

	state, err := h.startAndRun(StartCommand{Group: "@grp", Targets: []string{"@x", "@y", "@z"}, Config: quickConfig()})
	require.NoError(t, err)
	require.Equal(t, domain.SessionCompleted, state)

	assert.Equal(t, []inviteCall{
		{Identity: "a", Target: "@x"},
		{Identity: "a", Target: "@y"},
		{Identity: "a", Target: "@z"},
	}, h.network.invited())
	assert.Equal(t, 1, h.network.closed["b"])
	assert.Contains(t, logMessages(h.session(domain.DefaultSessionName)), "[b] dropped from the run: identity was removed")
	assert.Empty(t, h.identity("a").LeasedBy)
}

func TestControllerRecordsInviteOfIdentityRemovedDuringCall(t *testing.T) {
	h := newHarness(t, newFakeNetwork("@grp", "@x", "@y"))
	h.register("a", "b")
	h.network.onInvite = func(target string) {
		if target == "@x" {
			require.NoError(t, h.registry.Remove(context.Background(), "a"))
		}
	}

	state, err := h.startAndRun(StartCommand{Group: "@grp", Targets: []string{"@x", "@y"}, Config: quickConfig()})
	require.NoError(t, err)
	require.Equal(t, domain.SessionCompleted, state)

	assert.Equal(t, []inviteCall{{Identity: "a", Target: "@x"}, {Identity: "b", Target: "@y"}}, h.network.invited())
	session := h.session(domain.DefaultSessionName)
	assert.Equal(t, 2, session.TotalAdded)
	assert.Nil(t, session.InFlight)
	messages := logMessages(session)
	assert.Contains(t, messages, "[a] invite of @x sent but the identity was removed meanwhile; quota not counted")
	assert.Contains(t, messages, "[a] dropped from the run: identity was removed")
}

func TestControllerAbortsWhenEveryIdentityIsRemoved(t *testing.T) {
	h := newHarness(t, newFakeNetwork("@grp", "@x", "@y"))
	h.register("a")
	h.network.onInvite = func(string) {
		require.NoError(t, h.registry.Remove(context.Background(), "a"))
	}

	state, err := h.startAndRun(StartCommand{Group: "@grp", Targets: []string{"@x", "@y"}, Config: quickConfig()})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionAborted, state)
	session := h.session(domain.DefaultSessionName)
	assert.Equal(t, 1, session.TotalAdded)
	assert.Contains(t, logMessages(session), "aborted: "+errNoParticipants.Error())
}

func TestControllerConnectionLossRetriesThenSkips(t *testing.T) {
	h := newHarness(t, newFakeNetwork("@grp", "@x", "@y"))
	h.register("a")
	lost := make([]error, 10)
	for i := range lost {
		lost[i] = domain.ErrConnectionLost
	}
	h.network.failResolve("@x", lost...)

	state, err := h.startAndRun(StartCommand{Group: "@grp", Targets: []string{"@x", "@y"}, Config: quickConfig()})
	require.NoError(t, err)
	require.Equal(t, domain.SessionCompleted, state)

	assert.Equal(t, 4, h.network.dials["a"])
	assert.Equal(t, []inviteCall{{Identity: "a", Target: "@y"}}, h.network.invited())
	messages := logMessages(h.session(domain.DefaultSessionName))
	assert.Contains(t, messages, "[a] connection lost during resolve of @x (1/3); will retry")
	assert.Contains(t, messages, "[a] connection lost during resolve of @x (2/3); will retry")
	assert.Contains(t, messages, "[a] skipped @x: connection lost during resolve 3 times")
}

func TestControllerRateLimitedReconnectPausesIdentity(t *testing.T) {
	h := newHarness(t, newFakeNetwork("@grp", "@x"))
	h.register("a")
	h.network.failInvite("@x", domain.ErrConnectionLost)
	h.network.failResolve("@grp", nil, domain.NewRateLimited(60))

	state, err := h.startAndRun(StartCommand{Group: "@grp", Targets: []string{"@x"}, Config: quickConfig()})
	require.NoError(t, err)
	require.Equal(t, domain.SessionCompleted, state)

	assert.Equal(t, 3, h.network.dials["a"])
	assert.Equal(t, []inviteCall{{Identity: "a", Target: "@x"}}, h.network.invited())
	messages := logMessages(h.session(domain.DefaultSessionName))
	assert.Contains(t, messages, "[a] reconnect rate limited; paused for 1m0s")
	assert.Contains(t, messages, "[a] reconnected after losing the connection")
	assert.NotContains(t, messages, "[a] dropped from the run: connect: connection lost")
	assert.Equal(t, []ports.EventKind{ports.EventStarted, ports.EventSuspended, ports.EventResumed, ports.EventCompleted}, h.notifier.kinds())
}
