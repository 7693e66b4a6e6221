package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kavos113/quickctf/ctf-server/domain"
)

type fakeDocker struct {
	mu sync.Mutex

	containers map[string]client.ContainerCreateOptions
	networks   map[string]client.NetworkCreateOptions

	createErrs  []error
	inspectJSON string
	removeErr   error
	listErr     error

	creates int
	removes []string
	started []string
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{
		containers: make(map[string]client.ContainerCreateOptions),
		networks:   make(map[string]client.NetworkCreateOptions),
	}
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, options client.ContainerCreateOptions) (client.ContainerCreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return client.ContainerCreateResult{}, err
		}
	}
	if _, ok := f.containers[options.Name]; ok {
		return client.ContainerCreateResult{}, cerrdefs.ErrConflict
	}
	f.containers[options.Name] = options
	return client.ContainerCreateResult{ID: "id-" + options.Name}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, containerID string, options client.ContainerStartOptions) (client.ContainerStartResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, containerID)
	return client.ContainerStartResult{}, nil
}

func (f *fakeDocker) ContainerInspect(ctx context.Context, containerID string, options client.ContainerInspectOptions) (client.ContainerInspectResult, error) {
	var res client.ContainerInspectResult
	if f.inspectJSON != "" {
		if err := json.Unmarshal([]byte(f.inspectJSON), &res.Container); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, containerID string, options client.ContainerRemoveOptions) (client.ContainerRemoveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes = append(f.removes, containerID)
	if f.removeErr != nil {
		return client.ContainerRemoveResult{}, f.removeErr
	}
	// the daemon accepts either the name or the "id-" prefixed ID
	name := strings.TrimPrefix(containerID, "id-")
	if _, ok := f.containers[name]; !ok {
		return client.ContainerRemoveResult{}, cerrdefs.ErrNotFound
	}
	delete(f.containers, name)
	return client.ContainerRemoveResult{}, nil
}

func (f *fakeDocker) ContainerList(ctx context.Context, options client.ContainerListOptions) (client.ContainerListResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return client.ContainerListResult{}, f.listErr
	}

	var res client.ContainerListResult
	for name, opts := range f.containers {
		var labels map[string]string
		if opts.Config != nil {
			labels = opts.Config.Labels
		}
		matched := true
		for filter := range options.Filters["label"] {
			key, value, _ := strings.Cut(filter, "=")
			if labels[key] != value {
				matched = false
			}
		}
		if !matched {
			continue
		}
		res.Items = append(res.Items, container.Summary{
			ID:     "id-" + name,
			Names:  []string{"/" + name},
			Labels: labels,
		})
	}
	return res, nil
}

func (f *fakeDocker) NetworkInspect(ctx context.Context, networkID string, options client.NetworkInspectOptions) (client.NetworkInspectResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.networks[networkID]; !ok {
		return client.NetworkInspectResult{}, cerrdefs.ErrNotFound
	}
	return client.NetworkInspectResult{}, nil
}

func (f *fakeDocker) NetworkCreate(ctx context.Context, name string, options client.NetworkCreateOptions) (client.NetworkCreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networks[name] = options
	return client.NetworkCreateResult{ID: "net-" + name}, nil
}

func newTestDockerOrchestrator(docker *fakeDocker) (*DockerOrchestrator, *memoryFlagStore) {
	flags := newMemoryFlagStore()
	o := NewDockerOrchestrator(docker, flags, DockerConfig{
		Network:       "ctf-instances",
		PublicTCPHost: "127.0.0.1",
	}, discardLogger())
	o.conflictBackoff = 0
	return o, flags
}

func TestDockerOrchestrator_EnsureNetwork(t *testing.T) {
	ctx := context.Background()
	docker := newFakeDocker()
	o, _ := newTestDockerOrchestrator(docker)

	require.NoError(t, o.EnsureNetwork(ctx))
	require.Contains(t, docker.networks, "ctf-instances")
	assert.Equal(t, "bridge", docker.networks["ctf-instances"].Driver)

	// second call finds the existing network
	require.NoError(t, o.EnsureNetwork(ctx))
	assert.Len(t, docker.networks, 1)
}

func TestDockerOrchestrator_SpawnHTTP(t *testing.T) {
	ctx := context.Background()
	docker := newFakeDocker()
	o, flags := newTestDockerOrchestrator(docker)

	w, err := o.SpawnInstance(ctx, domain.SpawnRequest{
		TeamID: 1, ChallengeID: 2, Image: "web:latest", Port: 8080, TTL: time.Hour, Protocol: domain.ProtocolHTTP,
	})
	require.NoError(t, err)
	assert.Equal(t, "chal-t1-c2:8080", w.Connection)
	assert.Empty(t, w.Passphrase)
	assert.Equal(t, []string{"id-chal-t1-c2"}, docker.started)

	opts := docker.containers["chal-t1-c2"]
	assert.Equal(t, "web:latest", opts.Config.Image)
	assert.Equal(t, "ctf-challenge", opts.Config.Labels["app"])
	assert.NotEmpty(t, opts.Config.Labels["expires_at"])
	assert.Empty(t, opts.HostConfig.PortBindings)
	assert.Equal(t, int64(dockerMemoryLimit), opts.HostConfig.Memory)

	flag, _ := flags.GetFlag(ctx, 1, 2)
	require.Len(t, flag, flagLength)
	assert.Equal(t, []string{flagEnv + "=" + flag}, opts.Config.Env)
}

func TestDockerOrchestrator_SpawnTCP(t *testing.T) {
	ctx := context.Background()
	docker := newFakeDocker()
	docker.inspectJSON = `{"NetworkSettings":{"Ports":{"1337/tcp":[{"HostIp":"0.0.0.0","HostPort":"32768"}]}}}`
	o, _ := newTestDockerOrchestrator(docker)

	w, err := o.SpawnInstance(ctx, domain.SpawnRequest{
		TeamID: 3, ChallengeID: 4, Image: "pwn:latest", Port: 1337, TTL: time.Hour, Protocol: domain.ProtocolTCP,
	})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", w.TCPHost)
	assert.Equal(t, int32(32768), w.TCPPort)
	assert.Len(t, w.Passphrase, passphraseLength)
	assert.NotEmpty(t, docker.containers["chal-t3-c4"].HostConfig.PortBindings)
}

func TestDockerOrchestrator_ConflictRetriesOnce(t *testing.T) {
	ctx := context.Background()
	docker := newFakeDocker()
	docker.containers["chal-t1-c2"] = client.ContainerCreateOptions{Name: "chal-t1-c2"}
	o, _ := newTestDockerOrchestrator(docker)

	_, err := o.SpawnInstance(ctx, domain.SpawnRequest{
		TeamID: 1, ChallengeID: 2, Image: "web", Port: 80, TTL: time.Minute, Protocol: domain.ProtocolHTTP,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, docker.creates)
	assert.Equal(t, []string{"chal-t1-c2"}, docker.removes)
	assert.Equal(t, "web", docker.containers["chal-t1-c2"].Config.Image)
}

func TestDockerOrchestrator_SecondConflictFails(t *testing.T) {
	ctx := context.Background()
	docker := newFakeDocker()
	docker.createErrs = []error{cerrdefs.ErrConflict, cerrdefs.ErrConflict}
	o, _ := newTestDockerOrchestrator(docker)

	_, err := o.SpawnInstance(ctx, domain.SpawnRequest{
		TeamID: 1, ChallengeID: 2, Image: "web", Port: 80, TTL: time.Minute, Protocol: domain.ProtocolHTTP,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrWorkloadConflict))
	assert.Equal(t, 2, docker.creates)
}

func TestDockerOrchestrator_DaemonErrorIsNotRetried(t *testing.T) {
	ctx := context.Background()
	docker := newFakeDocker()
	docker.createErrs = []error{errors.New("no such image")}
	o, _ := newTestDockerOrchestrator(docker)

	_, err := o.SpawnInstance(ctx, domain.SpawnRequest{
		TeamID: 1, ChallengeID: 2, Image: "missing", Port: 80, TTL: time.Minute, Protocol: domain.ProtocolHTTP,
	})
	require.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrWorkloadConflict))
	assert.Equal(t, 1, docker.creates)
}

func TestDockerOrchestrator_Terminate(t *testing.T) {
	ctx := context.Background()
	docker := newFakeDocker()
	o, flags := newTestDockerOrchestrator(docker)

	require.NoError(t, o.TerminateInstance(ctx, 9, 9))

	_, err := o.SpawnInstance(ctx, domain.SpawnRequest{
		TeamID: 9, ChallengeID: 9, Image: "web", Port: 80, TTL: time.Minute, Protocol: domain.ProtocolHTTP,
	})
	require.NoError(t, err)
	require.NoError(t, o.TerminateInstance(ctx, 9, 9))

	assert.NotContains(t, docker.containers, "chal-t9-c9")
	flag, _ := flags.GetFlag(ctx, 9, 9)
	assert.Empty(t, flag)

	docker.removeErr = errors.New("daemon unreachable")
	assert.Error(t, o.TerminateInstance(ctx, 9, 9))
}

func labelledContainer(name, app string, expiresAt time.Time) client.ContainerCreateOptions {
	labels := map[string]string{"app": app, "team": "1", "challenge": "2"}
	if !expiresAt.IsZero() {
		labels[expiresAtLabel] = strconv.FormatInt(expiresAt.Unix(), 10)
	}
	return client.ContainerCreateOptions{Name: name, Config: &container.Config{Labels: labels}}
}

func TestDockerOrchestrator_Reap(t *testing.T) {
	ctx := context.Background()
	docker := newFakeDocker()
	o, _ := newTestDockerOrchestrator(docker)
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return now }

	docker.containers["chal-t1-c1"] = labelledContainer("chal-t1-c1", appLabel, now.Add(-time.Minute))
	docker.containers["chal-t1-c2"] = labelledContainer("chal-t1-c2", appLabel, now.Add(time.Minute))
	docker.containers["chal-t1-c3"] = labelledContainer("chal-t1-c3", appLabel, time.Time{})
	docker.containers["unrelated"] = labelledContainer("unrelated", "registry", now.Add(-time.Hour))
	malformed := labelledContainer("chal-t1-c4", appLabel, time.Time{})
	malformed.Config.Labels[expiresAtLabel] = "soon"
	docker.containers["chal-t1-c4"] = malformed

	removed, err := o.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{"id-chal-t1-c1"}, docker.removes, "removal goes by ID")
	assert.NotContains(t, docker.containers, "chal-t1-c1")
	assert.Contains(t, docker.containers, "chal-t1-c2")
	assert.Contains(t, docker.containers, "chal-t1-c3")
	assert.Contains(t, docker.containers, "unrelated")

	// the survivor goes once its own expiry passes
	now = now.Add(2 * time.Minute)
	removed, err = o.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NotContains(t, docker.containers, "chal-t1-c2")
}

func TestDockerOrchestrator_ReapSpawnedWorkload(t *testing.T) {
	ctx := context.Background()
	docker := newFakeDocker()
	o, _ := newTestDockerOrchestrator(docker)
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return now }

	_, err := o.SpawnInstance(ctx, domain.SpawnRequest{
		TeamID: 1, ChallengeID: 2, Image: "web:latest", Port: 8080, TTL: time.Hour, Protocol: domain.ProtocolHTTP,
	})
	require.NoError(t, err)

	removed, err := o.Reap(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)

	now = now.Add(time.Hour + time.Second)
	removed, err = o.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Empty(t, docker.containers)
}

func TestDockerOrchestrator_ReapErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("list fails", func(t *testing.T) {
		docker := newFakeDocker()
		docker.listErr = errors.New("daemon unavailable")
		o, _ := newTestDockerOrchestrator(docker)

		_, err := o.Reap(ctx)
		assert.Error(t, err)
	})

	t.Run("remove fails", func(t *testing.T) {
		docker := newFakeDocker()
		o, _ := newTestDockerOrchestrator(docker)
		docker.containers["chal-t1-c1"] = labelledContainer("chal-t1-c1", appLabel, time.Now().Add(-time.Minute))
		docker.removeErr = errors.New("device busy")

		removed, err := o.Reap(ctx)
		assert.Error(t, err)
		assert.Zero(t, removed)
	})
}

func TestDockerOrchestrator_RunReaperStops(t *testing.T) {
	docker := newFakeDocker()
	o, _ := newTestDockerOrchestrator(docker)
	docker.containers["chal-t1-c1"] = labelledContainer("chal-t1-c1", appLabel, time.Now().Add(-time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.RunReaper(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		docker.mu.Lock()
		defer docker.mu.Unlock()
		return len(docker.containers) == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop after cancel")
	}
}
