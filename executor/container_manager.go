package executor

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	logrus "github.com/sirupsen/logrus"
)

type ContainerState string

const (
	StateRunning ContainerState = "running"
	StateError   ContainerState = "error"
)

// ContainerInfo holds information about a worker container
type ContainerInfo struct {
	ID    string
	State ContainerState
}

// ContainerConfig describes the worker container started per context.
type ContainerConfig struct {
	Image    string
	Cmd      []string
	MemoryMB int64
	NanoCPUs int64
}

// ContainerManager spawns one worker container per execution context and
// talks to it over the attached stdio streams.
type ContainerManager struct {
	dockerClient *client.Client
	cfg          ContainerConfig
	containers   map[string]*ContainerInfo
	mu           sync.Mutex
	logger       *logrus.Logger
}

// NewContainerManager creates a new container manager
func NewContainerManager(cfg ContainerConfig, logger *logrus.Logger) (*ContainerManager, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	if len(cfg.Cmd) == 0 {
		cfg.Cmd = []string{"worker"}
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &ContainerManager{
		dockerClient: dockerClient,
		cfg:          cfg,
		containers:   make(map[string]*ContainerInfo),
		logger:       logger,
	}, nil
}

// ImageExists checks whether the worker image is present locally.
func (cm *ContainerManager) ImageExists(ctx context.Context) (bool, error) {
	_, err := cm.dockerClient.ImageInspect(ctx, cm.cfg.Image)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to inspect image %s: %w", cm.cfg.Image, err)
}

// Spawn creates, attaches and starts a worker container.
func (cm *ContainerManager) Spawn(ctx context.Context) (Transport, error) {
	config := &container.Config{
		Image:        cm.cfg.Image,
		Cmd:          cm.cfg.Cmd,
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}
	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory:   cm.cfg.MemoryMB * 1024 * 1024,
			NanoCPUs: cm.cfg.NanoCPUs,
		},
		NetworkMode: "none",
	}

	resp, err := cm.dockerClient.ContainerCreate(ctx, config, hostConfig, nil, nil, "")
	if err != nil {
		cm.logger.Errorf("failed to create container: %v", err)
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	attach, err := cm.dockerClient.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		cm.dockerClient.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		cm.logger.Errorf("failed to attach container %s: %v", shortID(resp.ID), err)
		return nil, fmt.Errorf("failed to attach container: %w", err)
	}

	if err := cm.dockerClient.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		attach.Close()
		cm.dockerClient.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		cm.logger.Errorf("failed to start container %s: %v", shortID(resp.ID), err)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	cm.mu.Lock()
	cm.containers[resp.ID] = &ContainerInfo{ID: resp.ID, State: StateRunning}
	cm.mu.Unlock()
	cm.logger.Printf("Started worker container: %s", shortID(resp.ID))

	// stdout carries frames, stderr carries worker logs
	stdout, pw := io.Pipe()
	logs := cm.logger.WithField("container", shortID(resp.ID)).WriterLevel(logrus.InfoLevel)
	go func() {
		_, err := stdcopy.StdCopy(pw, logs, attach.Reader)
		logs.Close()
		pw.CloseWithError(err)
		cm.SetContainerState(resp.ID, StateError)
	}()

	return newStreamTransport(stdout, attach.Conn, func() error {
		attach.Close()
		stdout.Close()
		cm.RemoveContainer(resp.ID)
		return nil
	}), nil
}

// RemoveContainer safely removes a container
func (cm *ContainerManager) RemoveContainer(containerID string) {
	ctx := context.Background()

	if err := cm.dockerClient.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		cm.logger.Printf("Failed to remove container %s: %v", shortID(containerID), err)
	}

	cm.mu.Lock()
	delete(cm.containers, containerID)
	cm.mu.Unlock()
	cm.logger.Printf("Removed container: %s", shortID(containerID))
}

// SetContainerState updates the state of a container
func (cm *ContainerManager) SetContainerState(containerID string, state ContainerState) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if container, exists := cm.containers[containerID]; exists {
		container.State = state
	}
}

// Shutdown cleans up all containers
func (cm *ContainerManager) Shutdown() {
	cm.mu.Lock()
	ids := make([]string, 0, len(cm.containers))
	for id := range cm.containers {
		ids = append(ids, id)
	}
	cm.mu.Unlock()

	for _, id := range ids {
		cm.RemoveContainer(id)
	}
	cm.dockerClient.Close()
}

// ContainerCount returns the current number of containers
func (cm *ContainerManager) ContainerCount() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.containers)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
