package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// KubeLogsDialer follows pod logs for the logs topic. Resource ids are
// "pod", "namespace/pod" or "namespace/pod/container".
type KubeLogsDialer struct {
	Kubeconfig string
	Context    string
	// TailLines limits the history replayed on each (re)connect. Zero replays
	// everything.
	TailLines int64
	// Client overrides the clientset built from Kubeconfig.
	Client kubernetes.Interface

	once    sync.Once
	client  kubernetes.Interface
	initErr error
}

// PodTarget locates a pod (and optionally one container) to follow.
type PodTarget struct {
	Namespace string
	Pod       string
	Container string
}

func (t PodTarget) String() string {
	if t.Container == "" {
		return t.Namespace + "/" + t.Pod
	}
	return t.Namespace + "/" + t.Pod + "/" + t.Container
}

// ParsePodTarget splits a resource id into its pod coordinates.
func ParsePodTarget(id string) (PodTarget, error) {
	parts := strings.Split(strings.TrimSpace(id), "/")
	var t PodTarget
	switch len(parts) {
	case 1:
		t = PodTarget{Namespace: metav1.NamespaceDefault, Pod: parts[0]}
	case 2:
		t = PodTarget{Namespace: parts[0], Pod: parts[1]}
	case 3:
		t = PodTarget{Namespace: parts[0], Pod: parts[1], Container: parts[2]}
	default:
		return t, fmt.Errorf("%w: %q", ErrInvalidResource, id)
	}
	if t.Namespace == "" || t.Pod == "" || (len(parts) == 3 && t.Container == "") {
		return t, fmt.Errorf("%w: %q", ErrInvalidResource, id)
	}
	return t, nil
}

func loadRESTConfig(kubeconfigPath, contextName string) (*rest.Config, error) {
	if kubeconfigPath == "" && contextName == "" {
		if cfg, err := rest.InClusterConfig(); err == nil {
			return cfg, nil
		}
	}
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfigPath != "" {
		loadingRules.ExplicitPath = kubeconfigPath
	}
	overrides := &clientcmd.ConfigOverrides{}
	if contextName != "" {
		overrides.CurrentContext = contextName
	}
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides).ClientConfig()
}

func (d *KubeLogsDialer) clientset() (kubernetes.Interface, error) {
	d.once.Do(func() {
		if d.Client != nil {
			d.client = d.Client
			return
		}
		cfg, err := loadRESTConfig(d.Kubeconfig, d.Context)
		if err != nil {
			d.initErr = fmt.Errorf("kube config: %w", err)
			return
		}
		d.client, d.initErr = kubernetes.NewForConfig(cfg)
	})
	return d.client, d.initErr
}

func (d *KubeLogsDialer) Dial(ctx context.Context, key Key) (Conn, error) {
	if key.Topic != TopicLogs {
		return nil, &SetupError{Key: key, Err: ErrUnsupported}
	}
	target, err := ParsePodTarget(key.ResourceID)
	if err != nil {
		return nil, &SetupError{Key: key, Err: err}
	}
	client, err := d.clientset()
	if err != nil {
		return nil, &SetupError{Key: key, Err: err}
	}

	if _, err := client.CoreV1().Pods(target.Namespace).Get(ctx, target.Pod, metav1.GetOptions{}); err != nil {
		if apierrors.IsNotFound(err) || apierrors.IsForbidden(err) || apierrors.IsUnauthorized(err) {
			return nil, &SetupError{Key: key, Err: err}
		}
		return nil, fmt.Errorf("get pod %s: %w", target, err)
	}

	opts := &corev1.PodLogOptions{
		Container:  target.Container,
		Follow:     true,
		Timestamps: true,
	}
	if d.TailLines > 0 {
		tail := d.TailLines
		opts.TailLines = &tail
	}
	// The stream outlives the dial context, so it gets its own.
	streamCtx, cancel := context.WithCancel(context.Background())
	rc, err := client.CoreV1().Pods(target.Namespace).GetLogs(target.Pod, opts).Stream(streamCtx)
	if err != nil {
		cancel()
		if apierrors.IsBadRequest(err) {
			return nil, &SetupError{Key: key, Err: err}
		}
		return nil, fmt.Errorf("stream logs %s: %w", target, err)
	}
	return &kubeConn{rc: rc, rd: bufio.NewReader(rc), cancel: cancel}, nil
}

type kubeConn struct {
	rc     io.ReadCloser
	rd     *bufio.Reader
	cancel context.CancelFunc
	once   sync.Once
}

func (c *kubeConn) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	line, err := c.rd.ReadString('\n')
	if len(line) > 0 {
		return []byte(strings.TrimRight(line, "\r\n")), nil
	}
	if err == io.EOF {
		return nil, io.ErrUnexpectedEOF
	}
	return nil, err
}

// Ping is a no-op; the API server closes the stream when the pod goes away.
func (c *kubeConn) Ping(context.Context) error { return nil }

func (c *kubeConn) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		err = c.rc.Close()
	})
	return err
}
