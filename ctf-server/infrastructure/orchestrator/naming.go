// Package orchestrator runs challenge workloads on Kubernetes or Docker.
// Both backends name everything after (team, challenge) so a workload can be
// found again without consulting any index.
package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/kavos113/quickctf/ctf-server/domain"
	"github.com/kavos113/quickctf/lib/secret"
)

const (
	flagLength       = 8
	passphraseLength = 16

	flagEnv       = "CTF_FLAG"
	passphraseEnv = "CTF_PASSPHRASE"

	appLabel = "ctf-challenge"

	defaultConflictBackoff = 3 * time.Second
)

// PodName is the deterministic workload name for (team, challenge).
func PodName(teamID, challengeID int64) string {
	return fmt.Sprintf("chal-t%d-c%d", teamID, challengeID)
}

func workloadLabels(teamID, challengeID int64) map[string]string {
	return map[string]string{
		"app":       appLabel,
		"team":      strconv.FormatInt(teamID, 10),
		"challenge": strconv.FormatInt(challengeID, 10),
	}
}

type spawnSecrets struct {
	flag       string
	passphrase string
}

// newSpawnSecrets generates the flag for every workload and a passphrase for
// tcp ones, and records the flag for later submission checks.
func newSpawnSecrets(ctx context.Context, flags domain.FlagStore, req domain.SpawnRequest) (*spawnSecrets, error) {
	flag, err := secret.Flag(flagLength)
	if err != nil {
		return nil, err
	}

	s := &spawnSecrets{flag: flag}
	if req.Protocol == domain.ProtocolTCP {
		s.passphrase, err = secret.Passphrase(passphraseLength)
		if err != nil {
			return nil, err
		}
	}

	if err := flags.SetFlag(ctx, req.TeamID, req.ChallengeID, flag, req.TTL); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *spawnSecrets) env() map[string]string {
	env := map[string]string{flagEnv: s.flag}
	if s.passphrase != "" {
		env[passphraseEnv] = s.passphrase
	}
	return env
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
