package builtin

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerSandbox executes cli_exec commands inside a running container.
type DockerSandbox struct {
	client    client.APIClient
	container string
	workdir   string
}

// NewDockerSandbox connects to the Docker daemon from the environment and
// checks that the target container is running.
func NewDockerSandbox(ctx context.Context, containerName, workdir string) (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("docker ping: %w", err)
	}

	info, err := cli.ContainerInspect(pingCtx, containerName)
	if err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("inspect container %s: %w", containerName, err)
	}
	if info.State == nil || !info.State.Running {
		_ = cli.Close()
		return nil, fmt.Errorf("container %s is not running", containerName)
	}
	return &DockerSandbox{client: cli, container: info.ID, workdir: workdir}, nil
}

// Exec runs command with sh -c inside the container.
func (s *DockerSandbox) Exec(ctx context.Context, command string) (string, string, int, error) {
	execResp, err := s.client.ContainerExecCreate(ctx, s.container, container.ExecOptions{
		Cmd:          []string{"sh", "-c", command},
		WorkingDir:   s.workdir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", "", -1, fmt.Errorf("container exec create: %w", err)
	}

	attachResp, err := s.client.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", "", -1, fmt.Errorf("container exec attach: %w", err)
	}
	defer attachResp.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attachResp.Reader); err != nil {
		return "", "", -1, fmt.Errorf("container exec read: %w", err)
	}

	inspect, err := s.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return stdout.String(), stderr.String(), -1, fmt.Errorf("container exec inspect: %w", err)
	}
	return stdout.String(), stderr.String(), inspect.ExitCode, nil
}

// Close releases the Docker client.
func (s *DockerSandbox) Close() error { return s.client.Close() }
