package usecase

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"time"

	"github.com/kavos113/quickctf/ctf-server/domain"
	"github.com/kavos113/quickctf/lib/metrics"
)

const backgroundTimeout = 30 * time.Second

type InstanceConfig struct {
	TTL             time.Duration
	ExtendTTL       time.Duration
	ExtendThreshold time.Duration
	MaxActive       int
	TokenMinTTL     time.Duration
}

// InstanceView is an instance as reported to its team.
type InstanceView struct {
	Instance         *domain.Instance `json:"instance"`
	RemainingSeconds int64            `json:"remaining_seconds"`
	AlreadyRunning   bool             `json:"already_running"`
}

type InstanceUsecase struct {
	challengeRepo domain.ChallengeRepository
	store         domain.InstanceStore
	limiter       domain.InstanceLimiter
	tokens        domain.AccessTokenStore
	flags         domain.FlagStore
	orchestrator  domain.Orchestrator
	scheduler     *terminationScheduler
	config        InstanceConfig
	logger        *slog.Logger
	now           func() time.Time
}

func NewInstanceUsecase(
	challengeRepo domain.ChallengeRepository,
	store domain.InstanceStore,
	limiter domain.InstanceLimiter,
	tokens domain.AccessTokenStore,
	flags domain.FlagStore,
	orchestrator domain.Orchestrator,
	config InstanceConfig,
	logger *slog.Logger,
) *InstanceUsecase {
	u := &InstanceUsecase{
		challengeRepo: challengeRepo,
		store:         store,
		limiter:       limiter,
		tokens:        tokens,
		flags:         flags,
		orchestrator:  orchestrator,
		config:        config,
		logger:        logger,
		now:           time.Now,
	}
	u.scheduler = newTerminationScheduler(u.expire)
	return u
}

// Close cancels every scheduled termination.
func (u *InstanceUsecase) Close() {
	u.scheduler.Stop()
}

func (u *InstanceUsecase) Spawn(ctx context.Context, teamID, challengeID int64) (*InstanceView, error) {
	challenge, err := u.deployableChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}

	existing, err := u.store.Get(ctx, teamID, challengeID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrProvisionFailed, err)
	}
	if existing != nil {
		metrics.RecordSpawn("already_running")
		return u.view(existing, true), nil
	}

	slot, err := u.limiter.TryAcquire(ctx, teamID, challengeID, u.config.TTL, u.config.MaxActive)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrProvisionFailed, err)
	}
	if !slot.Granted() {
		metrics.RecordSpawn("capacity_exhausted")
		return nil, domain.ErrCapacityExhausted
	}

	claimed, instance, err := u.store.ClaimOrGet(ctx, teamID, challengeID, u.config.TTL)
	if err != nil {
		if slot == domain.SlotReserved {
			u.releaseUnclaimedSlot(ctx, teamID, challengeID)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrProvisionFailed, err)
	}
	if !claimed {
		// the slot belongs to whoever holds the claim
		metrics.RecordSpawn("already_running")
		return u.view(instance, true), nil
	}

	workload, err := u.orchestrator.SpawnInstance(ctx, domain.SpawnRequest{
		TeamID:      teamID,
		ChallengeID: challengeID,
		Image:       challenge.Image,
		Port:        challenge.Port,
		TTL:         u.config.TTL,
		Protocol:    challenge.Protocol,
	})
	if err != nil {
		u.logger.Error("failed to spawn workload",
			slog.Int64("team_id", teamID),
			slog.Int64("challenge_id", challengeID),
			slog.String("error", err.Error()),
		)
		u.rollback(ctx, teamID, challengeID, true)
		metrics.RecordSpawn("failed")
		return nil, fmt.Errorf("%w: %v", domain.ErrProvisionFailed, err)
	}

	instance, err = u.record(ctx, teamID, challengeID, workload, u.config.TTL, "spawn")
	if err != nil {
		u.rollback(ctx, teamID, challengeID, true)
		metrics.RecordSpawn("failed")
		return nil, fmt.Errorf("%w: %v", domain.ErrProvisionFailed, err)
	}

	u.scheduler.Schedule(teamID, challengeID, u.config.TTL)
	metrics.RecordSpawn("spawned")

	u.logger.Info("instance spawned",
		slog.Int64("team_id", teamID),
		slog.Int64("challenge_id", challengeID),
		slog.String("protocol", string(instance.Protocol)),
	)
	return u.view(instance, false), nil
}

func (u *InstanceUsecase) Status(ctx context.Context, teamID, challengeID int64) (*InstanceView, error) {
	instance, err := u.store.Get(ctx, teamID, challengeID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrOperationFailed, err)
	}
	if instance == nil {
		return nil, domain.ErrInstanceNotFound
	}
	return u.view(instance, false), nil
}

// Extend replaces a running instance that is close to expiry with a fresh
// workload living ExtendTTL.
func (u *InstanceUsecase) Extend(ctx context.Context, teamID, challengeID int64) (*InstanceView, error) {
	instance, err := u.store.Get(ctx, teamID, challengeID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrOperationFailed, err)
	}
	if instance == nil {
		return nil, domain.ErrInstanceNotFound
	}
	if !instance.IsRunning() {
		return nil, domain.ErrInstanceNotRunning
	}
	if time.Duration(instance.RemainingSeconds(u.now()))*time.Second >= u.config.ExtendThreshold {
		return nil, domain.ErrExtendNotAllowed
	}

	challenge, err := u.deployableChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}

	if err := u.orchestrator.TerminateInstance(ctx, teamID, challengeID); err != nil {
		u.logger.Warn("failed to terminate workload before extend",
			slog.Int64("team_id", teamID),
			slog.Int64("challenge_id", challengeID),
			slog.String("error", err.Error()),
		)
	}

	workload, err := u.orchestrator.SpawnInstance(ctx, domain.SpawnRequest{
		TeamID:      teamID,
		ChallengeID: challengeID,
		Image:       challenge.Image,
		Port:        challenge.Port,
		TTL:         u.config.ExtendTTL,
		Protocol:    challenge.Protocol,
	})
	if err != nil {
		u.logger.Error("failed to respawn workload on extend",
			slog.Int64("team_id", teamID),
			slog.Int64("challenge_id", challengeID),
			slog.String("error", err.Error()),
		)
		u.rollback(ctx, teamID, challengeID, true)
		return nil, fmt.Errorf("%w: %v", domain.ErrProvisionFailed, err)
	}

	instance, err = u.record(ctx, teamID, challengeID, workload, u.config.ExtendTTL, "extend")
	if err != nil {
		u.rollback(ctx, teamID, challengeID, true)
		return nil, fmt.Errorf("%w: %v", domain.ErrProvisionFailed, err)
	}

	extended, err := u.limiter.Extend(ctx, teamID, challengeID, u.config.ExtendTTL)
	if err != nil {
		u.logger.Warn("failed to extend capacity slot",
			slog.Int64("team_id", teamID),
			slog.Int64("challenge_id", challengeID),
			slog.String("error", err.Error()),
		)
	} else if !extended {
		u.logger.Warn("capacity slot missing on extend, re-indexing",
			slog.Int64("team_id", teamID),
			slog.Int64("challenge_id", challengeID),
		)
		if slot, err := u.limiter.TryAcquire(ctx, teamID, challengeID, u.config.ExtendTTL, u.config.MaxActive); err != nil || !slot.Granted() {
			u.logger.Warn("instance is running outside the capacity index",
				slog.Int64("team_id", teamID),
				slog.Int64("challenge_id", challengeID),
			)
		}
	}

	u.scheduler.Schedule(teamID, challengeID, u.config.ExtendTTL)
	return u.view(instance, false), nil
}

// Terminate attempts every teardown step even when an earlier one fails.
func (u *InstanceUsecase) Terminate(ctx context.Context, teamID, challengeID int64) error {
	u.scheduler.Cancel(teamID, challengeID)

	orchestratorErr := u.orchestrator.TerminateInstance(ctx, teamID, challengeID)
	storeErr := u.store.Delete(ctx, teamID, challengeID)
	limiterErr := u.limiter.Release(ctx, teamID, challengeID)

	if orchestratorErr != nil {
		u.logger.Error("failed to terminate workload",
			slog.Int64("team_id", teamID),
			slog.Int64("challenge_id", challengeID),
			slog.String("error", orchestratorErr.Error()),
		)
		return fmt.Errorf("%w: %v", domain.ErrOperationFailed, orchestratorErr)
	}
	if storeErr != nil {
		return fmt.Errorf("%w: %v", domain.ErrOperationFailed, storeErr)
	}
	if limiterErr != nil {
		return fmt.Errorf("%w: %v", domain.ErrOperationFailed, limiterErr)
	}

	metrics.RecordTermination("user")
	return nil
}

// IssueAccessToken hands out a token valid for the rest of the instance
// lifetime, never shorter than TokenMinTTL.
func (u *InstanceUsecase) IssueAccessToken(ctx context.Context, teamID, challengeID int64) (*domain.AccessToken, error) {
	instance, err := u.store.Get(ctx, teamID, challengeID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrOperationFailed, err)
	}
	if instance == nil {
		return nil, domain.ErrInstanceNotFound
	}
	if !instance.IsRunning() {
		return nil, domain.ErrInstanceNotRunning
	}

	ttl := time.Duration(instance.RemainingSeconds(u.now())) * time.Second
	if ttl < u.config.TokenMinTTL {
		ttl = u.config.TokenMinTTL
	}

	token, err := u.tokens.NewToken()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrOperationFailed, err)
	}

	channel := domain.ChannelHTTP
	if instance.Protocol == domain.ProtocolTCP {
		channel = domain.ChannelTCP
	}

	if err := u.tokens.SetMapping(ctx, token, teamID, challengeID, ttl, channel); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrOperationFailed, err)
	}

	accessToken := &domain.AccessToken{
		Token:     token,
		Channel:   channel,
		ExpiresIn: ttl,
	}
	if channel == domain.ChannelTCP {
		if err := u.tokens.SetHandshake(ctx, token, instance.Passphrase, ttl); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrOperationFailed, err)
		}
		accessToken.TCPHost = instance.TCPHost
		accessToken.TCPPort = instance.TCPPort
		accessToken.Passphrase = instance.Passphrase
	}
	return accessToken, nil
}

// ResolveProxyTarget maps an http access token to the workload address.
func (u *InstanceUsecase) ResolveProxyTarget(ctx context.Context, token string) (string, error) {
	mapping, err := u.tokens.GetMapping(ctx, token, domain.ChannelHTTP)
	if err != nil {
		return "", err
	}
	if mapping == nil {
		return "", domain.ErrTokenNotFound
	}

	challenge, err := u.challengeRepo.FindByID(ctx, mapping.ChallengeID)
	if err != nil {
		return "", err
	}
	return u.orchestrator.InternalAddress(mapping.TeamID, mapping.ChallengeID, challenge.Port), nil
}

// VerifyTCPHandshake checks the passphrase a client presents to the TCP
// gateway and returns where to forward the connection.
func (u *InstanceUsecase) VerifyTCPHandshake(ctx context.Context, token, passphrase string) (*domain.TCPTarget, error) {
	mapping, err := u.tokens.GetMapping(ctx, token, domain.ChannelTCP)
	if err != nil {
		return nil, err
	}
	if mapping == nil {
		return nil, domain.ErrTokenNotFound
	}

	issued, err := u.tokens.GetHandshake(ctx, token)
	if err != nil {
		return nil, err
	}
	if issued == "" {
		return nil, domain.ErrTokenNotFound
	}

	instance, err := u.store.Get(ctx, mapping.TeamID, mapping.ChallengeID)
	if err != nil {
		return nil, err
	}
	if instance == nil || !instance.IsRunning() {
		return nil, domain.ErrInstanceNotRunning
	}

	// a token issued before an extend still holds the replaced workload's
	// passphrase, so both must match
	if subtle.ConstantTimeCompare([]byte(issued), []byte(passphrase)) != 1 ||
		subtle.ConstantTimeCompare([]byte(instance.Passphrase), []byte(passphrase)) != 1 {
		return nil, domain.ErrHandshakeRejected
	}

	return &domain.TCPTarget{
		TeamID:      mapping.TeamID,
		ChallengeID: mapping.ChallengeID,
		Connection:  *instance.Connection,
	}, nil
}

// VerifyFlag compares a submission with the flag injected into the team's
// current workload.
func (u *InstanceUsecase) VerifyFlag(ctx context.Context, teamID, challengeID int64, flag string) (bool, error) {
	expected, err := u.flags.GetFlag(ctx, teamID, challengeID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrOperationFailed, err)
	}
	if expected == "" {
		return false, domain.ErrInstanceNotFound
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(flag)) == 1, nil
}

// ActiveCount reports the number of live capacity slots.
func (u *InstanceUsecase) ActiveCount(ctx context.Context) (int64, error) {
	return u.limiter.ActiveCount(ctx)
}

func (u *InstanceUsecase) deployableChallenge(ctx context.Context, challengeID int64) (*domain.Challenge, error) {
	challenge, err := u.challengeRepo.FindByID(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if !challenge.Deployable || challenge.Image == "" || challenge.Port <= 0 {
		return nil, domain.ErrChallengeNotDeployable
	}
	return challenge, nil
}

// record writes the running state. A missing placeholder means the record
// expired or was removed while the workload was starting; the workload is up,
// so the record is rewritten from scratch.
func (u *InstanceUsecase) record(ctx context.Context, teamID, challengeID int64, workload *domain.Workload, ttl time.Duration, operation string) (*domain.Instance, error) {
	update := domain.InstanceUpdate{
		Connection: workload.Connection,
		Protocol:   workload.Protocol,
		TCPHost:    workload.TCPHost,
		TCPPort:    workload.TCPPort,
		Passphrase: workload.Passphrase,
	}

	instance, err := u.store.Set(ctx, teamID, challengeID, update, ttl)
	if err != nil {
		return nil, err
	}
	if instance != nil {
		return instance, nil
	}

	u.logger.Warn("instance placeholder missing, forcing ledger write",
		slog.Int64("team_id", teamID),
		slog.Int64("challenge_id", challengeID),
		slog.String("operation", operation),
	)
	metrics.RecordLedgerRepair(operation)

	now := u.now().UTC()
	connection := workload.Connection
	instance = &domain.Instance{
		TeamID:      teamID,
		ChallengeID: challengeID,
		Status:      domain.InstanceStatusRunning,
		Connection:  &connection,
		Protocol:    workload.Protocol,
		TCPHost:     workload.TCPHost,
		TCPPort:     workload.TCPPort,
		Passphrase:  workload.Passphrase,
		StartedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	if err := u.store.ForceSet(ctx, instance, ttl); err != nil {
		return nil, err
	}
	return instance, nil
}

// rollback undoes a failed spawn. It runs on a context detached from the
// caller so a disconnecting client cannot leave a half-built instance.
func (u *InstanceUsecase) rollback(ctx context.Context, teamID, challengeID int64, workload bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), backgroundTimeout)
	defer cancel()

	u.scheduler.Cancel(teamID, challengeID)

	if err := u.limiter.Release(ctx, teamID, challengeID); err != nil {
		u.logger.Warn("rollback: failed to release slot", slog.Int64("team_id", teamID), slog.Int64("challenge_id", challengeID), slog.String("error", err.Error()))
	}
	if err := u.store.Delete(ctx, teamID, challengeID); err != nil {
		u.logger.Warn("rollback: failed to delete record", slog.Int64("team_id", teamID), slog.Int64("challenge_id", challengeID), slog.String("error", err.Error()))
	}
	if !workload {
		return
	}
	if err := u.orchestrator.TerminateInstance(ctx, teamID, challengeID); err != nil {
		u.logger.Warn("rollback: failed to terminate workload", slog.Int64("team_id", teamID), slog.Int64("challenge_id", challengeID), slog.String("error", err.Error()))
	}
}

// releaseUnclaimedSlot gives back a slot this call created when the claim
// itself could not be made. A concurrent caller for the same key shares the
// slot, so it is kept whenever a claim is visible.
func (u *InstanceUsecase) releaseUnclaimedSlot(ctx context.Context, teamID, challengeID int64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), backgroundTimeout)
	defer cancel()

	instance, err := u.store.Get(ctx, teamID, challengeID)
	if err != nil {
		u.logger.Warn("claim failed and ledger unreadable, keeping slot until it expires",
			slog.Int64("team_id", teamID),
			slog.Int64("challenge_id", challengeID),
			slog.String("error", err.Error()),
		)
		return
	}
	if instance != nil {
		return
	}
	if err := u.limiter.Release(ctx, teamID, challengeID); err != nil {
		u.logger.Warn("failed to release unclaimed slot", slog.Int64("team_id", teamID), slog.Int64("challenge_id", challengeID), slog.String("error", err.Error()))
	}
}

// expire runs when a scheduled termination fires. Another process may have
// extended the instance in the meantime, in which case the timer is re-armed
// for the new expiry instead.
func (u *InstanceUsecase) expire(teamID, challengeID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
	defer cancel()

	instance, err := u.store.Get(ctx, teamID, challengeID)
	if err != nil {
		u.logger.Error("scheduled termination: failed to read instance",
			slog.Int64("team_id", teamID),
			slog.Int64("challenge_id", challengeID),
			slog.String("error", err.Error()),
		)
		return
	}
	if instance != nil {
		if remaining := instance.RemainingSeconds(u.now()); remaining > 0 {
			u.scheduler.Schedule(teamID, challengeID, time.Duration(remaining)*time.Second)
			return
		}
	}

	if err := u.orchestrator.TerminateInstance(ctx, teamID, challengeID); err != nil {
		u.logger.Error("scheduled termination: failed to terminate workload",
			slog.Int64("team_id", teamID),
			slog.Int64("challenge_id", challengeID),
			slog.String("error", err.Error()),
		)
	}
	if err := u.store.Delete(ctx, teamID, challengeID); err != nil {
		u.logger.Warn("scheduled termination: failed to delete record", slog.Int64("team_id", teamID), slog.Int64("challenge_id", challengeID), slog.String("error", err.Error()))
	}
	if err := u.limiter.Release(ctx, teamID, challengeID); err != nil {
		u.logger.Warn("scheduled termination: failed to release slot", slog.Int64("team_id", teamID), slog.Int64("challenge_id", challengeID), slog.String("error", err.Error()))
	}

	metrics.RecordTermination("expired")
	u.logger.Info("instance expired", slog.Int64("team_id", teamID), slog.Int64("challenge_id", challengeID))
}

func (u *InstanceUsecase) view(instance *domain.Instance, alreadyRunning bool) *InstanceView {
	return &InstanceView{
		Instance:         instance,
		RemainingSeconds: instance.RemainingSeconds(u.now()),
		AlreadyRunning:   alreadyRunning,
	}
}
