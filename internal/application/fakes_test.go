package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tomlrepo "github.com/bnema/enrollctl/internal/adapters/repo/toml"
	"github.com/bnema/enrollctl/internal/domain"
	"github.com/bnema/enrollctl/internal/ports"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// After moves simulated time forward instead of sleeping.
func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.Advance(d)
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

type memorySecrets struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemorySecrets() *memorySecrets {
	return &memorySecrets{values: make(map[string]string)}
}

func (s *memorySecrets) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	if !ok {
		return "", domain.ErrSecretNotFound
	}
	return value, nil
}

func (s *memorySecrets) Put(_ context.Context, key string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *memorySecrets) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; !ok {
		return domain.ErrSecretNotFound
	}
	delete(s.values, key)
	return nil
}

// errHang makes a scripted call block until its deadline expires.
var errHang = errors.New("hang until deadline")

type inviteCall struct {
	Identity domain.IdentityID
	Target   string
}

// fakeNetwork is a tiny messaging platform shared by every fake connection.
type fakeNetwork struct {
	mu sync.Mutex

	group     domain.Entity
	users     map[string]domain.Entity
	members   map[string]bool
	unconfirm map[string]bool

	resolveErrs map[string][]error
	inviteErrs  map[string][]error
	dialErrs    map[domain.IdentityID][]error

	invites  []inviteCall
	onInvite func(target string)
	dials    map[domain.IdentityID]int
	closed   map[domain.IdentityID]int
}

func newFakeNetwork(group string, users ...string) *fakeNetwork {
	network := &fakeNetwork{
		group:       domain.Entity{ID: "group-1", Handle: group, Kind: domain.EntityGroup},
		users:       make(map[string]domain.Entity),
		members:     make(map[string]bool),
		unconfirm:   make(map[string]bool),
		resolveErrs: make(map[string][]error),
		inviteErrs:  make(map[string][]error),
		dialErrs:    make(map[domain.IdentityID][]error),
		dials:       make(map[domain.IdentityID]int),
		closed:      make(map[domain.IdentityID]int),
	}
	for _, user := range users {
		network.addUser(domain.Entity{ID: "user-" + user, Handle: user, Kind: domain.EntityUser, Activity: domain.Activity{Kind: domain.ActivityRecently}})
	}
	return network
}

func (n *fakeNetwork) addUser(entity domain.Entity) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.users[entity.Handle] = entity
}

func (n *fakeNetwork) failResolve(handle string, errs ...error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resolveErrs[handle] = append(n.resolveErrs[handle], errs...)
}

func (n *fakeNetwork) failInvite(handle string, errs ...error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.inviteErrs[handle] = append(n.inviteErrs[handle], errs...)
}

func (n *fakeNetwork) failDial(id domain.IdentityID, errs ...error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dialErrs[id] = append(n.dialErrs[id], errs...)
}

func (n *fakeNetwork) setMember(handle string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.members[handle] = true
}

func (n *fakeNetwork) isMember(handle string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.members[handle]
}

func (n *fakeNetwork) invited() []inviteCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]inviteCall, len(n.invites))
	copy(out, n.invites)
	return out
}

func pop(queue map[string][]error, key string) error {
	errs := queue[key]
	if len(errs) == 0 {
		return nil
	}
	queue[key] = errs[1:]
	return errs[0]
}

func (n *fakeNetwork) Dial(ctx context.Context, identity domain.Identity, credential string) (ports.Messenger, error) {
	n.mu.Lock()
	n.dials[identity.ID]++
	var err error
	if errs := n.dialErrs[identity.ID]; len(errs) > 0 {
		err = errs[0]
		n.dialErrs[identity.ID] = errs[1:]
	}
	n.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if credential == "" {
		return nil, errors.New("missing credential")
	}
	return &fakeMessenger{network: n, id: identity.ID}, nil
}

type fakeMessenger struct {
	network *fakeNetwork
	id      domain.IdentityID
}

func (m *fakeMessenger) Self(context.Context) (domain.Entity, error) {
	handle := "@" + string(m.id)
	return domain.Entity{ID: "self-" + string(m.id), Handle: handle, Kind: domain.EntityUser}, nil
}

func (m *fakeMessenger) ResolveEntity(ctx context.Context, handle string) (domain.Entity, error) {
	n := m.network
	n.mu.Lock()
	err := pop(n.resolveErrs, handle)
	group := n.group
	user, known := n.users[handle]
	n.mu.Unlock()

	if errors.Is(err, errHang) {
		<-ctx.Done()
		return domain.Entity{}, ctx.Err()
	}
	if err != nil {
		return domain.Entity{}, err
	}
	if handle == group.Handle {
		return group, nil
	}
	if !known {
		return domain.Entity{}, domain.ErrNotFound
	}
	return user, nil
}

func (m *fakeMessenger) GetMembership(_ context.Context, _ domain.Entity, target domain.Entity) (domain.Membership, error) {
	if m.network.isMember(target.Handle) {
		return domain.MembershipMember, nil
	}
	return domain.MembershipNotMember, nil
}

func (m *fakeMessenger) JoinGroup(context.Context, domain.Entity) error {
	m.network.setMember("@" + string(m.id))
	return nil
}

func (m *fakeMessenger) Invite(ctx context.Context, _ domain.Entity, target domain.Entity) error {
	n := m.network
	n.mu.Lock()
	err := pop(n.inviteErrs, target.Handle)
	n.mu.Unlock()

	if errors.Is(err, errHang) {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}

	n.mu.Lock()
	n.invites = append(n.invites, inviteCall{Identity: m.id, Target: target.Handle})
	if !n.unconfirm[target.Handle] {
		n.members[target.Handle] = true
	}
	hook := n.onInvite
	n.mu.Unlock()

	if hook != nil {
		hook(target.Handle)
	}
	return nil
}

func (m *fakeMessenger) Close() error {
	n := m.network
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed[m.id]++
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []ports.Event
}

func (n *recordingNotifier) Notify(_ context.Context, event ports.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) kinds() []ports.EventKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	kinds := make([]ports.EventKind, 0, len(n.events))
	for _, event := range n.events {
		kinds = append(kinds, event.Kind)
	}
	return kinds
}

type harness struct {
	t        *testing.T
	clock    *fakeClock
	store    *tomlrepo.Store
	secrets  *memorySecrets
	network  *fakeNetwork
	notifier *recordingNotifier
	wake     *Signal
	registry *Registry
	ctrl     *Controller
}

func newHarness(t *testing.T, network *fakeNetwork) *harness {
	t.Helper()

	clock := newFakeClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	cfg := viper.New()
	cfg.Set("state.dir", t.TempDir())
	store, err := tomlrepo.NewStore(cfg, clock)
	require.NoError(t, err)

	h := &harness{
		t:        t,
		clock:    clock,
		store:    store,
		secrets:  newMemorySecrets(),
		network:  network,
		notifier: &recordingNotifier{},
		wake:     NewSignal(),
	}
	h.registry = NewRegistry(store.Identities(), h.secrets, clock, h.wake, zerolog.Nop())
	h.ctrl = h.newController()
	return h
}

func (h *harness) newController() *Controller {
	return NewController(ControllerDeps{
		Registry: h.registry,
		Sessions: h.store.Sessions(),
		Stops:    h.store.Sessions(),
		Dialer:   h.network,
		Notifier: h.notifier,
		Clock:    h.clock,
		Wake:     h.wake,
		Log:      zerolog.Nop(),
		After:    h.clock.After,
	})
}

func (h *harness) register(ids ...domain.IdentityID) {
	h.t.Helper()
	for _, id := range ids {
		_, err := h.registry.Register(context.Background(), RegisterCommand{ID: id, Credential: "cred-" + string(id)})
		require.NoError(h.t, err)
	}
}

func (h *harness) identity(id domain.IdentityID) domain.Identity {
	h.t.Helper()
	identity, err := h.registry.Get(context.Background(), id)
	require.NoError(h.t, err)
	return identity
}

func (h *harness) session(name string) domain.OperationSession {
	h.t.Helper()
	session, err := h.store.Sessions().GetByName(context.Background(), name)
	require.NoError(h.t, err)
	return session
}

func quickConfig() domain.SessionConfig {
	config := domain.DefaultSessionConfig()
	config.InterAttemptDelay = 0
	config.CallTimeout = 50 * time.Millisecond
	return config
}

func (h *harness) startAndRun(cmd StartCommand) (domain.SessionState, error) {
	h.t.Helper()
	if cmd.Name == "" {
		cmd.Name = domain.DefaultSessionName
	}
	_, err := h.ctrl.Start(context.Background(), cmd)
	require.NoError(h.t, err)
	return h.ctrl.Run(context.Background(), cmd.Name)
}

func logMessages(session domain.OperationSession) []string {
	messages := make([]string, 0, len(session.Log))
	for _, entry := range session.Log {
		messages = append(messages, entry.Message)
	}
	return messages
}
