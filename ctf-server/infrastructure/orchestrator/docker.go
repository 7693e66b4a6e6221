package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"strconv"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"

	"github.com/kavos113/quickctf/ctf-server/domain"
	"github.com/kavos113/quickctf/lib/metrics"
)

const (
	dockerMemoryLimit = 512 * 1024 * 1024
	dockerNanoCPUs    = 500_000_000

	expiresAtLabel = "expires_at"

	DefaultReapInterval = time.Minute
)

// dockerAPI is the subset of the moby client the orchestrator needs.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, options client.ContainerCreateOptions) (client.ContainerCreateResult, error)
	ContainerStart(ctx context.Context, containerID string, options client.ContainerStartOptions) (client.ContainerStartResult, error)
	ContainerInspect(ctx context.Context, containerID string, options client.ContainerInspectOptions) (client.ContainerInspectResult, error)
	ContainerRemove(ctx context.Context, containerID string, options client.ContainerRemoveOptions) (client.ContainerRemoveResult, error)
	ContainerList(ctx context.Context, options client.ContainerListOptions) (client.ContainerListResult, error)
	NetworkInspect(ctx context.Context, networkID string, options client.NetworkInspectOptions) (client.NetworkInspectResult, error)
	NetworkCreate(ctx context.Context, name string, options client.NetworkCreateOptions) (client.NetworkCreateResult, error)
}

type DockerConfig struct {
	Network       string
	PublicTCPHost string
}

// DockerOrchestrator runs each instance as a single container attached to a
// shared bridge network under its workload name. The server reaches http
// workloads by that name; tcp workloads also publish their port on the host.
// Docker has no equivalent of activeDeadlineSeconds. Every container carries
// an expires_at label instead, and Reap removes those past it.
type DockerOrchestrator struct {
	docker          dockerAPI
	flags           domain.FlagStore
	network         string
	publicTCPHost   string
	conflictBackoff time.Duration
	logger          *slog.Logger
	now             func() time.Time
}

func NewDockerClient() (*client.Client, error) {
	cli, err := client.New(client.FromEnv, client.WithAPIVersionFromEnv())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return cli, nil
}

func NewDockerOrchestrator(docker dockerAPI, flags domain.FlagStore, config DockerConfig, logger *slog.Logger) *DockerOrchestrator {
	return &DockerOrchestrator{
		docker:          docker,
		flags:           flags,
		network:         config.Network,
		publicTCPHost:   config.PublicTCPHost,
		conflictBackoff: defaultConflictBackoff,
		logger:          logger,
		now:             time.Now,
	}
}

// EnsureNetwork creates the challenge network if it does not exist yet.
func (o *DockerOrchestrator) EnsureNetwork(ctx context.Context) error {
	_, err := o.docker.NetworkInspect(ctx, o.network, client.NetworkInspectOptions{})
	if err == nil {
		return nil
	}
	if !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to inspect network %s: %w", o.network, err)
	}

	_, err = o.docker.NetworkCreate(ctx, o.network, client.NetworkCreateOptions{
		Driver: "bridge",
		Labels: map[string]string{"app": appLabel},
	})
	if err != nil && !cerrdefs.IsConflict(err) {
		return fmt.Errorf("failed to create network %s: %w", o.network, err)
	}
	return nil
}

func (o *DockerOrchestrator) PodName(teamID, challengeID int64) string {
	return PodName(teamID, challengeID)
}

func (o *DockerOrchestrator) InternalAddress(teamID, challengeID int64, port int32) string {
	return fmt.Sprintf("%s:%d", PodName(teamID, challengeID), port)
}

func (o *DockerOrchestrator) SpawnInstance(ctx context.Context, req domain.SpawnRequest) (*domain.Workload, error) {
	name := PodName(req.TeamID, req.ChallengeID)

	secrets, err := newSpawnSecrets(ctx, o.flags, req)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare secrets for %s: %w", name, err)
	}

	workload, err := o.create(ctx, name, req, secrets)
	if cerrdefs.IsConflict(err) {
		metrics.RecordOrchestratorConflict("docker")
		o.logger.Warn("stale container found, cleaning up and retrying", slog.String("workload", name))

		if _, err := o.docker.ContainerRemove(ctx, name, client.ContainerRemoveOptions{Force: true}); err != nil && !cerrdefs.IsNotFound(err) {
			o.logger.Warn("failed to remove stale container", slog.String("workload", name), slog.String("error", err.Error()))
		}
		if err := sleepCtx(ctx, o.conflictBackoff); err != nil {
			return nil, err
		}

		workload, err = o.create(ctx, name, req, secrets)
		if cerrdefs.IsConflict(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrWorkloadConflict, name)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create workload %s: %w", name, err)
	}

	o.logger.Info("spawned workload",
		slog.String("workload", name),
		slog.String("protocol", string(req.Protocol)),
	)
	return workload, nil
}

func (o *DockerOrchestrator) create(ctx context.Context, name string, req domain.SpawnRequest, secrets *spawnSecrets) (*domain.Workload, error) {
	containerPort, err := network.ParsePort(fmt.Sprintf("%d/tcp", req.Port))
	if err != nil {
		return nil, fmt.Errorf("invalid port %d: %w", req.Port, err)
	}

	env := make([]string, 0, 2)
	for k, v := range secrets.env() {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	labels := workloadLabels(req.TeamID, req.ChallengeID)
	labels[expiresAtLabel] = strconv.FormatInt(o.now().Add(req.TTL).Unix(), 10)

	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(o.network),
		Resources: container.Resources{
			Memory:   dockerMemoryLimit,
			NanoCPUs: dockerNanoCPUs,
		},
	}
	if req.Protocol == domain.ProtocolTCP {
		// empty HostPort lets the daemon pick a free one
		hostConfig.PortBindings = network.PortMap{
			containerPort: []network.PortBinding{{HostIP: netip.MustParseAddr("0.0.0.0")}},
		}
	}

	created, err := o.docker.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name: name,
		Config: &container.Config{
			Image:        req.Image,
			Env:          env,
			Labels:       labels,
			ExposedPorts: network.PortSet{containerPort: struct{}{}},
		},
		HostConfig: hostConfig,
		NetworkingConfig: &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				o.network: {Aliases: []string{name}},
			},
		},
	})
	if err != nil {
		return nil, err
	}

	if _, err := o.docker.ContainerStart(ctx, created.ID, client.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	workload := &domain.Workload{
		Protocol:   req.Protocol,
		Connection: o.InternalAddress(req.TeamID, req.ChallengeID, req.Port),
		Passphrase: secrets.passphrase,
	}
	if req.Protocol != domain.ProtocolTCP {
		return workload, nil
	}

	inspected, err := o.docker.ContainerInspect(ctx, created.ID, client.ContainerInspectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}
	if inspected.Container.NetworkSettings != nil {
		if bindings, ok := inspected.Container.NetworkSettings.Ports[containerPort]; ok && len(bindings) > 0 {
			hostPort, err := strconv.ParseInt(bindings[0].HostPort, 10, 32)
			if err == nil {
				workload.TCPHost = o.publicTCPHost
				workload.TCPPort = int32(hostPort)
			}
		}
	}
	return workload, nil
}

func (o *DockerOrchestrator) TerminateInstance(ctx context.Context, teamID, challengeID int64) error {
	name := PodName(teamID, challengeID)

	var errs []error
	if _, err := o.docker.ContainerRemove(ctx, name, client.ContainerRemoveOptions{Force: true}); err != nil && !cerrdefs.IsNotFound(err) {
		errs = append(errs, fmt.Errorf("failed to remove container %s: %w", name, err))
	}
	if err := o.flags.DeleteFlag(ctx, teamID, challengeID); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	o.logger.Info("terminated workload", slog.String("workload", name))
	return nil
}

// Reap removes every challenge container whose expires_at label has passed,
// including ones left behind by a server that is no longer running. It
// returns the number of containers removed.
func (o *DockerOrchestrator) Reap(ctx context.Context) (int, error) {
	listed, err := o.docker.ContainerList(ctx, client.ContainerListOptions{
		All:     true,
		Filters: make(client.Filters).Add("label", "app="+appLabel),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list challenge containers: %w", err)
	}

	now := o.now().Unix()
	removed := 0
	var errs []error
	for _, c := range listed.Items {
		raw, ok := c.Labels[expiresAtLabel]
		if !ok {
			continue
		}
		expiresAt, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			o.logger.Warn("ignoring container with malformed expiry",
				slog.String("container_id", c.ID),
				slog.String("expires_at", raw),
			)
			continue
		}
		if expiresAt > now {
			continue
		}

		// by ID so a fresh container reusing the name is left alone
		if _, err := o.docker.ContainerRemove(ctx, c.ID, client.ContainerRemoveOptions{Force: true}); err != nil && !cerrdefs.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("failed to remove expired container %s: %w", c.ID, err))
			continue
		}
		removed++
		metrics.RecordTermination("reaped")
		o.logger.Info("reaped expired workload",
			slog.String("container_id", c.ID),
			slog.String("team", c.Labels["team"]),
			slog.String("challenge", c.Labels["challenge"]),
		)
	}
	return removed, errors.Join(errs...)
}

// RunReaper calls Reap every interval until ctx is cancelled.
func (o *DockerOrchestrator) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.Reap(ctx); err != nil && ctx.Err() == nil {
				o.logger.Warn("failed to reap expired workloads", slog.String("error", err.Error()))
			}
		}
	}
}
