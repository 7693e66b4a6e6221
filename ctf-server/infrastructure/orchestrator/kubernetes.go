package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/kavos113/quickctf/ctf-server/domain"
	"github.com/kavos113/quickctf/lib/metrics"
)

type KubernetesConfig struct {
	Namespace     string
	PublicTCPHost string
}

// KubernetesOrchestrator runs each instance as a pod plus a service. http
// challenges get a ClusterIP service reachable only through the proxy, tcp
// challenges a NodePort exposed on PublicTCPHost.
type KubernetesOrchestrator struct {
	clientset       kubernetes.Interface
	flags           domain.FlagStore
	namespace       string
	publicTCPHost   string
	conflictBackoff time.Duration
	logger          *slog.Logger
}

// NewKubernetesClientset uses the in-cluster config when kubeconfig is empty.
func NewKubernetesClientset(kubeconfig string) (kubernetes.Interface, error) {
	var (
		config *rest.Config
		err    error
	)
	if kubeconfig == "" {
		config, err = rest.InClusterConfig()
	} else {
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return clientset, nil
}

func NewKubernetesOrchestrator(clientset kubernetes.Interface, flags domain.FlagStore, config KubernetesConfig, logger *slog.Logger) *KubernetesOrchestrator {
	return &KubernetesOrchestrator{
		clientset:       clientset,
		flags:           flags,
		namespace:       config.Namespace,
		publicTCPHost:   config.PublicTCPHost,
		conflictBackoff: defaultConflictBackoff,
		logger:          logger,
	}
}

func (o *KubernetesOrchestrator) PodName(teamID, challengeID int64) string {
	return PodName(teamID, challengeID)
}

func (o *KubernetesOrchestrator) InternalAddress(teamID, challengeID int64, port int32) string {
	return fmt.Sprintf("%s.%s.svc.cluster.local:%d", PodName(teamID, challengeID), o.namespace, port)
}

func (o *KubernetesOrchestrator) SpawnInstance(ctx context.Context, req domain.SpawnRequest) (*domain.Workload, error) {
	name := PodName(req.TeamID, req.ChallengeID)

	secrets, err := newSpawnSecrets(ctx, o.flags, req)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare secrets for %s: %w", name, err)
	}

	workload, err := o.create(ctx, name, req, secrets)
	if apierrors.IsAlreadyExists(err) {
		metrics.RecordOrchestratorConflict("kubernetes")
		o.logger.Warn("stale workload found, cleaning up and retrying", slog.String("workload", name))

		o.deleteWorkload(ctx, name)
		if err := sleepCtx(ctx, o.conflictBackoff); err != nil {
			return nil, err
		}

		workload, err = o.create(ctx, name, req, secrets)
		if apierrors.IsAlreadyExists(err) {
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

func (o *KubernetesOrchestrator) create(ctx context.Context, name string, req domain.SpawnRequest, secrets *spawnSecrets) (*domain.Workload, error) {
	if _, err := o.clientset.CoreV1().Pods(o.namespace).Create(ctx, o.podManifest(name, req, secrets), metav1.CreateOptions{}); err != nil {
		return nil, err
	}

	svc, err := o.clientset.CoreV1().Services(o.namespace).Create(ctx, o.serviceManifest(name, req), metav1.CreateOptions{})
	if err != nil {
		return nil, err
	}

	workload := &domain.Workload{
		Protocol:   req.Protocol,
		Connection: o.InternalAddress(req.TeamID, req.ChallengeID, req.Port),
		Passphrase: secrets.passphrase,
	}
	if req.Protocol == domain.ProtocolTCP && len(svc.Spec.Ports) > 0 && svc.Spec.Ports[0].NodePort != 0 {
		workload.TCPHost = o.publicTCPHost
		workload.TCPPort = svc.Spec.Ports[0].NodePort
	}
	return workload, nil
}

func (o *KubernetesOrchestrator) podManifest(name string, req domain.SpawnRequest, secrets *spawnSecrets) *corev1.Pod {
	deadline := int64(req.TTL / time.Second)

	env := make([]corev1.EnvVar, 0, 2)
	for k, v := range secrets.env() {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}
	sort.Slice(env, func(i, j int) bool { return env[i].Name < env[j].Name })

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: workloadLabels(req.TeamID, req.ChallengeID),
		},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{
				{
					Name:  "challenge",
					Image: req.Image,
					Ports: []corev1.ContainerPort{{ContainerPort: req.Port}},
					Env:   env,
					Resources: corev1.ResourceRequirements{
						Limits: corev1.ResourceList{
							corev1.ResourceMemory: resource.MustParse("512Mi"),
							corev1.ResourceCPU:    resource.MustParse("500m"),
						},
						Requests: corev1.ResourceList{
							corev1.ResourceMemory: resource.MustParse("256Mi"),
							corev1.ResourceCPU:    resource.MustParse("200m"),
						},
					},
				},
			},
			RestartPolicy:         corev1.RestartPolicyNever,
			ActiveDeadlineSeconds: &deadline,
		},
	}
}

func (o *KubernetesOrchestrator) serviceManifest(name string, req domain.SpawnRequest) *corev1.Service {
	serviceType := corev1.ServiceTypeClusterIP
	if req.Protocol == domain.ProtocolTCP {
		serviceType = corev1.ServiceTypeNodePort
	}

	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: map[string]string{"app": appLabel},
		},
		Spec: corev1.ServiceSpec{
			Selector: workloadLabels(req.TeamID, req.ChallengeID),
			Ports: []corev1.ServicePort{
				{
					Port:       req.Port,
					TargetPort: intstr.FromInt32(req.Port),
				},
			},
			Type: serviceType,
		},
	}
}

// deleteWorkload removes a stale pair, ignoring every error.
func (o *KubernetesOrchestrator) deleteWorkload(ctx context.Context, name string) {
	if err := o.clientset.CoreV1().Services(o.namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		o.logger.Warn("failed to delete stale service", slog.String("workload", name), slog.String("error", err.Error()))
	}
	if err := o.clientset.CoreV1().Pods(o.namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		o.logger.Warn("failed to delete stale pod", slog.String("workload", name), slog.String("error", err.Error()))
	}
}

func (o *KubernetesOrchestrator) TerminateInstance(ctx context.Context, teamID, challengeID int64) error {
	name := PodName(teamID, challengeID)

	var errs []error
	if err := o.clientset.CoreV1().Services(o.namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		errs = append(errs, fmt.Errorf("failed to delete service %s: %w", name, err))
	}
	if err := o.clientset.CoreV1().Pods(o.namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		errs = append(errs, fmt.Errorf("failed to delete pod %s: %w", name, err))
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
