package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/kavos113/quickctf/ctf-server/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
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

type pair struct {
	team, challenge int64
}

type MockChallengeRepository struct {
	challenges map[int64]*domain.Challenge
}

func NewMockChallengeRepository() *MockChallengeRepository {
	return &MockChallengeRepository{
		challenges: make(map[int64]*domain.Challenge),
	}
}

func (m *MockChallengeRepository) Add(challenge *domain.Challenge) {
	m.challenges[challenge.ChallengeID] = challenge
}

func (m *MockChallengeRepository) FindByID(ctx context.Context, challengeID int64) (*domain.Challenge, error) {
	challenge, exists := m.challenges[challengeID]
	if !exists {
		return nil, domain.ErrChallengeNotFound
	}
	return challenge, nil
}

// MockInstanceStore mirrors the ledger semantics in memory, expiring records
// against the shared fake clock.
type MockInstanceStore struct {
	mu        sync.Mutex
	clock     *fakeClock
	instances map[pair]*domain.Instance
	// dropOnSet simulates a placeholder that vanished while the workload started
	dropOnSet bool
	forceSets int
	claimErr  error
}

func NewMockInstanceStore(clock *fakeClock) *MockInstanceStore {
	return &MockInstanceStore{
		clock:     clock,
		instances: make(map[pair]*domain.Instance),
	}
}

func (m *MockInstanceStore) live(key pair) *domain.Instance {
	instance, ok := m.instances[key]
	if !ok {
		return nil
	}
	if !instance.ExpiresAt.After(m.clock.Now()) {
		delete(m.instances, key)
		return nil
	}
	copied := *instance
	return &copied
}

func (m *MockInstanceStore) ClaimOrGet(ctx context.Context, teamID, challengeID int64, ttl time.Duration) (bool, *domain.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.claimErr != nil {
		return false, nil, m.claimErr
	}
	key := pair{teamID, challengeID}
	if existing := m.live(key); existing != nil {
		return false, existing, nil
	}

	now := m.clock.Now()
	instance := &domain.Instance{
		TeamID:      teamID,
		ChallengeID: challengeID,
		Status:      domain.InstanceStatusStarting,
		StartedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	m.instances[key] = instance
	copied := *instance
	return true, &copied, nil
}

func (m *MockInstanceStore) Get(ctx context.Context, teamID, challengeID int64) (*domain.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live(pair{teamID, challengeID}), nil
}

func (m *MockInstanceStore) Set(ctx context.Context, teamID, challengeID int64, update domain.InstanceUpdate, ttl time.Duration) (*domain.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pair{teamID, challengeID}
	if m.dropOnSet {
		delete(m.instances, key)
	}
	instance := m.live(key)
	if instance == nil {
		return nil, nil
	}

	connection := update.Connection
	instance.Connection = &connection
	instance.Status = domain.InstanceStatusRunning
	instance.Protocol = update.Protocol
	instance.TCPHost = update.TCPHost
	instance.TCPPort = update.TCPPort
	instance.Passphrase = update.Passphrase
	instance.ExpiresAt = m.clock.Now().Add(ttl)
	m.instances[key] = instance

	copied := *instance
	return &copied, nil
}

func (m *MockInstanceStore) ForceSet(ctx context.Context, instance *domain.Instance, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.forceSets++
	copied := *instance
	m.instances[pair{instance.TeamID, instance.ChallengeID}] = &copied
	return nil
}

func (m *MockInstanceStore) Delete(ctx context.Context, teamID, challengeID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, pair{teamID, challengeID})
	return nil
}

func (m *MockInstanceStore) UpdateExpiry(ctx context.Context, teamID, challengeID int64, ttl time.Duration) (*domain.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pair{teamID, challengeID}
	instance := m.live(key)
	if instance == nil {
		return nil, nil
	}
	instance.ExpiresAt = m.clock.Now().Add(ttl)
	m.instances[key] = instance
	copied := *instance
	return &copied, nil
}

type MockInstanceLimiter struct {
	mu    sync.Mutex
	clock *fakeClock
	slots map[pair]time.Time
}

func NewMockInstanceLimiter(clock *fakeClock) *MockInstanceLimiter {
	return &MockInstanceLimiter{
		clock: clock,
		slots: make(map[pair]time.Time),
	}
}

func (m *MockInstanceLimiter) purge() {
	now := m.clock.Now()
	for key, expiry := range m.slots {
		if !expiry.After(now) {
			delete(m.slots, key)
		}
	}
}

func (m *MockInstanceLimiter) TryAcquire(ctx context.Context, teamID, challengeID int64, ttl time.Duration, limit int) (domain.SlotAcquisition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.purge()
	key := pair{teamID, challengeID}
	if _, ok := m.slots[key]; ok {
		m.slots[key] = m.clock.Now().Add(ttl)
		return domain.SlotHeld, nil
	}
	if len(m.slots) >= limit {
		return domain.SlotDenied, nil
	}
	m.slots[key] = m.clock.Now().Add(ttl)
	return domain.SlotReserved, nil
}

func (m *MockInstanceLimiter) Release(ctx context.Context, teamID, challengeID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.slots, pair{teamID, challengeID})
	return nil
}

func (m *MockInstanceLimiter) Extend(ctx context.Context, teamID, challengeID int64, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.purge()
	key := pair{teamID, challengeID}
	if _, ok := m.slots[key]; !ok {
		return false, nil
	}
	m.slots[key] = m.clock.Now().Add(ttl)
	return true, nil
}

func (m *MockInstanceLimiter) ActiveCount(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge()
	return int64(len(m.slots)), nil
}

func (m *MockInstanceLimiter) Has(teamID, challengeID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	expiry, ok := m.slots[pair{teamID, challengeID}]
	return ok && expiry.After(m.clock.Now())
}

type MockTokenStore struct {
	mu         sync.Mutex
	next       int
	mappings   map[string]domain.TokenMapping
	handshakes map[string]string
	ttls       map[string]time.Duration
}

func NewMockTokenStore() *MockTokenStore {
	return &MockTokenStore{
		mappings:   make(map[string]domain.TokenMapping),
		handshakes: make(map[string]string),
		ttls:       make(map[string]time.Duration),
	}
}

func (m *MockTokenStore) NewToken() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	return fmt.Sprintf("token-%d", m.next), nil
}

func (m *MockTokenStore) NewPassphrase() (string, error) {
	return "ABCDEFGHJKLMNPQR", nil
}

func (m *MockTokenStore) SetMapping(ctx context.Context, token string, teamID, challengeID int64, ttl time.Duration, channel domain.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := string(channel) + ":" + token
	m.mappings[key] = domain.TokenMapping{TeamID: teamID, ChallengeID: challengeID}
	m.ttls[key] = ttl
	return nil
}

func (m *MockTokenStore) GetMapping(ctx context.Context, token string, channel domain.Channel) (*domain.TokenMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mapping, ok := m.mappings[string(channel)+":"+token]
	if !ok {
		return nil, nil
	}
	return &mapping, nil
}

func (m *MockTokenStore) SetHandshake(ctx context.Context, token, passphrase string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handshakes[token] = passphrase
	return nil
}

func (m *MockTokenStore) GetHandshake(ctx context.Context, token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handshakes[token], nil
}

type MockFlagStore struct {
	mu    sync.Mutex
	flags map[pair]string
}

func NewMockFlagStore() *MockFlagStore {
	return &MockFlagStore{flags: make(map[pair]string)}
}

func (m *MockFlagStore) SetFlag(ctx context.Context, teamID, challengeID int64, flag string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags[pair{teamID, challengeID}] = flag
	return nil
}

func (m *MockFlagStore) GetFlag(ctx context.Context, teamID, challengeID int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags[pair{teamID, challengeID}], nil
}

func (m *MockFlagStore) DeleteFlag(ctx context.Context, teamID, challengeID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.flags, pair{teamID, challengeID})
	return nil
}

type MockOrchestrator struct {
	mu         sync.Mutex
	flags      *MockFlagStore
	running    map[pair]domain.SpawnRequest
	spawns     int
	terminates int
	spawnErr   error
	spawnDelay time.Duration
	tcpPort    int32
}

func NewMockOrchestrator(flags *MockFlagStore) *MockOrchestrator {
	return &MockOrchestrator{
		flags:   flags,
		running: make(map[pair]domain.SpawnRequest),
		tcpPort: 30000,
	}
}

func (m *MockOrchestrator) SpawnInstance(ctx context.Context, req domain.SpawnRequest) (*domain.Workload, error) {
	if m.spawnDelay > 0 {
		time.Sleep(m.spawnDelay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.spawns++
	if m.spawnErr != nil {
		return nil, m.spawnErr
	}

	key := pair{req.TeamID, req.ChallengeID}
	if _, ok := m.running[key]; ok {
		return nil, domain.ErrWorkloadConflict
	}
	m.running[key] = req
	m.flags.SetFlag(ctx, req.TeamID, req.ChallengeID, fmt.Sprintf("flag%d", m.spawns), req.TTL)

	workload := &domain.Workload{
		Protocol:   req.Protocol,
		Connection: m.InternalAddress(req.TeamID, req.ChallengeID, req.Port),
	}
	if req.Protocol == domain.ProtocolTCP {
		m.tcpPort++
		workload.TCPHost = "tcp.example.com"
		workload.TCPPort = m.tcpPort
		workload.Passphrase = fmt.Sprintf("pass-%d", m.spawns)
	}
	return workload, nil
}

func (m *MockOrchestrator) TerminateInstance(ctx context.Context, teamID, challengeID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.terminates++
	delete(m.running, pair{teamID, challengeID})
	m.flags.DeleteFlag(ctx, teamID, challengeID)
	return nil
}

func (m *MockOrchestrator) PodName(teamID, challengeID int64) string {
	return fmt.Sprintf("chal-t%d-c%d", teamID, challengeID)
}

func (m *MockOrchestrator) InternalAddress(teamID, challengeID int64, port int32) string {
	return fmt.Sprintf("%s:%d", m.PodName(teamID, challengeID), port)
}

func (m *MockOrchestrator) IsRunning(teamID, challengeID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[pair{teamID, challengeID}]
	return ok
}

func (m *MockOrchestrator) Counts() (spawns, terminates int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spawns, m.terminates
}

type MockCTFStateRepository struct {
	mu    sync.Mutex
	state domain.CTFState
	err   error
}

func NewMockCTFStateRepository() *MockCTFStateRepository {
	return &MockCTFStateRepository{}
}

func (m *MockCTFStateRepository) Get(ctx context.Context) (*domain.CTFState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	copied := m.state
	return &copied, nil
}

func (m *MockCTFStateRepository) ExpireIfDue(ctx context.Context, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.Active || m.state.EndsAt == nil || m.state.EndsAt.After(now) {
		return false, nil
	}
	zero := int64(0)
	m.state.Active = false
	m.state.EndsAt = nil
	m.state.PausedRemainingSeconds = &zero
	return true, nil
}

func (m *MockCTFStateRepository) Activate(ctx context.Context, endsAt time.Time, startedBy *int64, startedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Active {
		return false, nil
	}
	m.state.Active = true
	m.state.EndsAt = &endsAt
	m.state.PausedRemainingSeconds = nil
	m.state.StartedByUserID = startedBy
	m.state.StartedAt = &startedAt
	return true, nil
}

func (m *MockCTFStateRepository) Pause(ctx context.Context, remainingSeconds int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.Active {
		return false, nil
	}
	m.state.Active = false
	m.state.EndsAt = nil
	m.state.PausedRemainingSeconds = &remainingSeconds
	return true, nil
}

type publishedEvent struct {
	Event string
	Data  any
}

type MockEventPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (m *MockEventPublisher) Publish(ctx context.Context, event string, data any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, publishedEvent{Event: event, Data: data})
	return nil
}

func (m *MockEventPublisher) Actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var actions []string
	for _, e := range m.events {
		if data, ok := e.Data.(map[string]string); ok {
			actions = append(actions, data["action"])
		}
	}
	return actions
}

type MockSessionRepository struct {
	sessions map[string]*domain.Session
}

func NewMockSessionRepository() *MockSessionRepository {
	return &MockSessionRepository{
		sessions: make(map[string]*domain.Session),
	}
}

func (m *MockSessionRepository) Create(ctx context.Context, session *domain.Session) error {
	m.sessions[session.Token] = session
	return nil
}

func (m *MockSessionRepository) FindByToken(ctx context.Context, token string) (*domain.Session, error) {
	session, exists := m.sessions[token]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}
	return session, nil
}

func (m *MockSessionRepository) Delete(ctx context.Context, token string) error {
	if _, exists := m.sessions[token]; !exists {
		return domain.ErrSessionNotFound
	}
	delete(m.sessions, token)
	return nil
}

var errBoom = errors.New("boom")

// claimFailingStore fails the claim after a concurrent caller's placeholder
// has landed.
type claimFailingStore struct {
	*MockInstanceStore
}

func (s *claimFailingStore) ClaimOrGet(ctx context.Context, teamID, challengeID int64, ttl time.Duration) (bool, *domain.Instance, error) {
	if _, _, err := s.MockInstanceStore.ClaimOrGet(ctx, teamID, challengeID, ttl); err != nil {
		return false, nil, err
	}
	return false, nil, errBoom
}
