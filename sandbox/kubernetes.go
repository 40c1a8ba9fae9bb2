// Package sandbox provides secure code execution capabilities.
//
// The KubeSandbox backend runs code as one-shot Kubernetes batch jobs. The
// resource limits become pod-level requests/limits, the timeout is enforced
// twice (the sandbox's own timer plus the job's activeDeadlineSeconds), and
// a TTL-after-finish guarantees the scheduler garbage-collects the job even
// if this process dies before its own teardown runs.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"go.uber.org/zap"
)

// KubeConfig holds the cluster connection and job settings for the
// Kubernetes backend.
type KubeConfig struct {
	// Namespace is where sandbox jobs are created.
	Namespace string

	// Image is the base runtime image for the sandbox container.
	Image string

	// JobTTLSeconds is the ttlSecondsAfterFinished applied to every job,
	// the scheduler-side cleanup failsafe. Zero means the default of 300.
	JobTTLSeconds int32

	// InCluster selects the pod's own service-account identity. When
	// false, Kubeconfig names an externally-supplied credentials file.
	InCluster  bool
	Kubeconfig string

	// PollInterval is how often job status is checked while waiting.
	// Zero means the default of 500ms.
	PollInterval time.Duration
}

const (
	defaultJobTTLSeconds = 300
	defaultPollInterval  = 500 * time.Millisecond
	sandboxContainerName = "sandbox"
)

// KubeSandbox implements Sandbox using Kubernetes batch jobs.
type KubeSandbox struct {
	logger *zap.Logger
	cfg    KubeConfig
	client kubernetes.Interface
}

// KubeSandboxOption defines a functional option for KubeSandbox.
type KubeSandboxOption func(*KubeSandbox)

// WithKubeClient sets the Kubernetes client for KubeSandbox. Used by tests
// with the client-go fake clientset.
func WithKubeClient(client kubernetes.Interface) KubeSandboxOption {
	return func(k *KubeSandbox) {
		k.client = client
	}
}

// NewKubeSandbox creates a Kubernetes-backed sandbox using either in-cluster
// identity or an explicit kubeconfig.
func NewKubeSandbox(logger *zap.Logger, cfg KubeConfig, opts ...KubeSandboxOption) (*KubeSandbox, error) {
	if cfg.JobTTLSeconds <= 0 {
		cfg.JobTTLSeconds = defaultJobTTLSeconds
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	k := &KubeSandbox{
		logger: logger,
		cfg:    cfg,
	}

	for _, opt := range opts {
		opt(k)
	}

	if k.client == nil {
		var restCfg *rest.Config
		var err error
		if cfg.InCluster {
			restCfg, err = rest.InClusterConfig()
		} else {
			restCfg, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
		}

		clientset, err := kubernetes.NewForConfig(restCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
		}
		k.client = clientset
	}

	return k, nil
}

// Execute runs code as a fresh batch job and deletes it on every path.
func (k *KubeSandbox) Execute(ctx context.Context, code string, limits ResourceLimits) (ExecutionResult, error) {
	job := k.buildJob(code, limits)

	created, err := k.client.BatchV1().Jobs(k.cfg.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return ExecutionResult{}, &SandboxError{Backend: "kubernetes", Op: "create job", Err: err}
	}
	jobName := created.Name

	// Teardown is unconditional; the TTL-after-finish field covers the
	// case where this process dies before the deferred delete runs.
	defer k.deleteJob(jobName)

	started := time.Now()
	timer := time.NewTimer(limits.Timeout())
	defer timer.Stop()
	ticker := time.NewTicker(k.cfg.PollInterval)
	defer ticker.Stop()

	var timedOut, failed bool

poll:
	for {
		select {
		case <-timer.C:
			timedOut = true
			break poll
		case <-ctx.Done():
			// Caller cancellation collapses into the forced-termination
			// path; the deferred delete is the termination.
			timedOut = true
			break poll
		case <-ticker.C:
			current, getErr := k.client.BatchV1().Jobs(k.cfg.Namespace).Get(ctx, jobName, metav1.GetOptions{})
			if getErr != nil {
				return ExecutionResult{}, &SandboxError{Backend: "kubernetes", Op: "get job status", Err: getErr}
			}
			if current.Status.Succeeded > 0 {
				break poll
			}
			if current.Status.Failed > 0 {
				if jobDeadlineExceeded(current) {
					// The cluster's own activeDeadlineSeconds fired
					// first; report it the same way as our timer.
					timedOut = true
				} else {
					failed = true
				}
				break poll
			}
		}
	}

	elapsed := time.Since(started).Seconds()

	stdout, exitCode := k.collectOutput(jobName)

	if timedOut {
		k.logger.Info("execution timed out",
			zap.String("job", jobName),
			zap.Int("timeout_sec", limits.TimeoutSec()))
		return ExecutionResult{
			Success:       false,
			Stdout:        stdout,
			ExecutionTime: elapsed,
			ExitCode:      ExitCodeTimeout,
			TimedOut:      true,
		}, nil
	}

	if failed && exitCode == 0 {
		exitCode = ExitCodeUnknown
	}
	if !failed && exitCode == ExitCodeUnknown {
		// The job reported success but the pod was already gone; the
		// exit status is implied by the job condition.
		exitCode = 0
	}

	return ExecutionResult{
		Success:       !failed && exitCode == 0,
		Stdout:        stdout,
		ExecutionTime: elapsed,
		ExitCode:      exitCode,
	}, nil
}

// buildJob translates the limits into a one-shot batch job spec.
func (k *KubeSandbox) buildJob(code string, limits ResourceLimits) *batchv1.Job {
	name := fmt.Sprintf("execbox-%d", time.Now().UnixNano())

	activeDeadline := int64(limits.TimeoutSec())
	ttl := k.cfg.JobTTLSeconds
	backoffLimit := int32(0)

	resources := corev1.ResourceList{
		corev1.ResourceCPU:              *resource.NewMilliQuantity(int64(limits.CPUQuota()*1000), resource.DecimalSI),
		corev1.ResourceMemory:           *resource.NewQuantity(limits.MemoryBytes(), resource.BinarySI),
		corev1.ResourceEphemeralStorage: *resource.NewQuantity(limits.DiskQuotaBytes(), resource.BinarySI),
	}

	labels := map[string]string{
		"app.kubernetes.io/name": "execbox",
		"execbox.io/network":     string(limits.Network()),
	}

	annotations := map[string]string{}
	if limits.Network() == NetworkAllowlist {
		// Consumed by the cluster's NetworkPolicy controller; the
		// sandbox itself does not enforce per-domain egress.
		annotations["execbox.io/allowed-domains"] = strings.Join(limits.AllowedDomains(), ",")
	}

	tmpSize := *resource.NewQuantity(limits.DiskQuotaBytes(), resource.BinarySI)

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   k.cfg.Namespace,
			Labels:      labels,
			Annotations: annotations,
		},
		Spec: batchv1.JobSpec{
			ActiveDeadlineSeconds:   &activeDeadline,
			TTLSecondsAfterFinished: &ttl,
			BackoffLimit:            &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels:      labels,
					Annotations: annotations,
				},
				Spec: corev1.PodSpec{
					RestartPolicy:                corev1.RestartPolicyNever,
					ActiveDeadlineSeconds:        &activeDeadline,
					AutomountServiceAccountToken: boolPtr(false),
					Containers: []corev1.Container{
						{
							Name:       sandboxContainerName,
							Image:      k.cfg.Image,
							Command:    []string{"python3", "-u", "-B", "-c", code},
							WorkingDir: "/tmp",
							Env: []corev1.EnvVar{
								{Name: "PYTHONUNBUFFERED", Value: "1"},
								{Name: "LANG", Value: "C.UTF-8"},
							},
							Resources: corev1.ResourceRequirements{
								Requests: resources,
								Limits:   resources,
							},
							VolumeMounts: []corev1.VolumeMount{
								{Name: "tmp", MountPath: "/tmp"},
							},
							SecurityContext: &corev1.SecurityContext{
								AllowPrivilegeEscalation: boolPtr(false),
								ReadOnlyRootFilesystem:   boolPtr(true),
								RunAsNonRoot:             boolPtr(true),
								RunAsUser:                int64Ptr(65534),
								Capabilities: &corev1.Capabilities{
									Drop: []corev1.Capability{"ALL"},
								},
								SeccompProfile: &corev1.SeccompProfile{
									Type: corev1.SeccompProfileTypeRuntimeDefault,
								},
							},
						},
					},
					Volumes: []corev1.Volume{
						{
							Name: "tmp",
							VolumeSource: corev1.VolumeSource{
								EmptyDir: &corev1.EmptyDirVolumeSource{
									SizeLimit: &tmpSize,
								},
							},
						},
					},
				},
			},
		},
	}
}

// collectOutput fetches the pod log and terminal exit code for a finished
// (or force-terminated) job. Kubernetes merges the container's stdout and
// stderr into one log stream, so everything lands in stdout. Failures here
// are logged, not escalated: the verdict is already decided.
func (k *KubeSandbox) collectOutput(jobName string) (stdout string, exitCode int) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pods, err := k.client.CoreV1().Pods(k.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + jobName,
	})
	if err != nil || len(pods.Items) == 0 {
		if err != nil {
			k.logger.Warn("failed to list job pods", zap.String("job", jobName), zap.Error(err))
		}
		return "", ExitCodeUnknown
	}
	pod := pods.Items[0]

	exitCode = ExitCodeUnknown
	for _, status := range pod.Status.ContainerStatuses {
		if status.Name == sandboxContainerName && status.State.Terminated != nil {
			exitCode = int(status.State.Terminated.ExitCode)
		}
	}

	req := k.client.CoreV1().Pods(k.cfg.Namespace).GetLogs(pod.Name, &corev1.PodLogOptions{
		Container: sandboxContainerName,
	})
	rc, err := req.Stream(ctx)
	if err != nil {
		k.logger.Warn("failed to stream pod logs", zap.String("pod", pod.Name), zap.Error(err))
		return "", exitCode
	}
	defer rc.Close()

	logBytes, err := io.ReadAll(io.LimitReader(rc, MaxOutputBytes+1))
	if err != nil {
		k.logger.Warn("failed to read pod logs", zap.String("pod", pod.Name), zap.Error(err))
		return "", exitCode
	}

	return Truncate(string(logBytes)), exitCode
}

// deleteJob removes the job and its pods with foreground propagation. A
// failed delete is logged, not escalated: the TTL-after-finish field will
// garbage-collect the job regardless.
func (k *KubeSandbox) deleteJob(jobName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	propagation := metav1.DeletePropagationForeground
	err := k.client.BatchV1().Jobs(k.cfg.Namespace).Delete(ctx, jobName, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		k.logger.Warn("failed to delete job", zap.String("job", jobName), zap.Error(err))
	}
}

func jobDeadlineExceeded(job *batchv1.Job) bool {
	for _, cond := range job.Status.Conditions {
		if cond.Type == batchv1.JobFailed && cond.Status == corev1.ConditionTrue && cond.Reason == "DeadlineExceeded" {
			return true
		}
	}
	return false
}

func boolPtr(b bool) *bool    { return &b }
func int64Ptr(i int64) *int64 { return &i }
