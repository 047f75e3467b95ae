// Copyright 2025 The Corral Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lifecycle

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/corralhq/corral/pkg/protocol"
)

// DockerRuntime implements Runtime over the docker engine API.
type DockerRuntime struct {
	cli *client.Client
}

func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrTransport, err, "connect to docker daemon")
	}
	return &DockerRuntime{cli: cli}, nil
}

func (d *DockerRuntime) PullImage(ctx context.Context, ref string) error {
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return protocol.WrapError(protocol.ErrTransport, err, "pull image %s", ref)
	}
	defer rc.Close()

	// The pull completes only once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return protocol.WrapError(protocol.ErrTransport, err, "pull image %s", ref)
	}
	return nil
}

func (d *DockerRuntime) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:  spec.Image,
		Env:    spec.Env,
		Labels: spec.Labels,
	}
	host := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}

	if spec.Port > 0 {
		port, err := nat.NewPort("tcp", strconv.Itoa(spec.Port))
		if err != nil {
			return "", protocol.WrapError(protocol.ErrConfiguration, err, "invalid container port %d", spec.Port)
		}
		cfg.ExposedPorts = nat.PortSet{port: struct{}{}}
		host.PortBindings = nat.PortMap{
			port: []nat.PortBinding{{
				HostIP:   "127.0.0.1",
				HostPort: strconv.Itoa(spec.HostPort),
			}},
		}
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, host, nil, nil, spec.Name)
	if err != nil {
		return "", protocol.WrapError(protocol.ErrTransport, err, "create container %s", spec.Name)
	}
	return resp.ID, nil
}

func (d *DockerRuntime) StartContainer(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return protocol.WrapError(protocol.ErrTransport, err, "start container %s", id)
	}
	return nil
}

func (d *DockerRuntime) StopContainer(ctx context.Context, id string) error {
	timeout := 10
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return protocol.WrapError(protocol.ErrTransport, err, "stop container %s", id)
	}
	return nil
}

func (d *DockerRuntime) RemoveContainer(ctx context.Context, id string) error {
	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return protocol.WrapError(protocol.ErrTransport, err, "remove container %s", id)
	}
	return nil
}

func (d *DockerRuntime) ListContainers(ctx context.Context, labelKey, labelValue string) ([]ContainerInfo, error) {
	args := filters.NewArgs(filters.Arg("label", fmt.Sprintf("%s=%s", labelKey, labelValue)))
	list, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrTransport, err, "list containers")
	}

	infos := make([]ContainerInfo, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		infos = append(infos, ContainerInfo{
			ID:     c.ID,
			Name:   name,
			Image:  c.Image,
			State:  c.State,
			Labels: c.Labels,
		})
	}
	return infos, nil
}

func (d *DockerRuntime) ContainerLogs(ctx context.Context, id string, tail int) (string, error) {
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}

	rc, err := d.cli.ContainerLogs(ctx, id, opts)
	if err != nil {
		return "", protocol.WrapError(protocol.ErrTransport, err, "logs for container %s", id)
	}
	defer rc.Close()

	var out strings.Builder
	if _, err := stdcopy.StdCopy(&out, &out, rc); err != nil {
		return "", protocol.WrapError(protocol.ErrTransport, err, "read logs for container %s", id)
	}
	return out.String(), nil
}

func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

var _ Runtime = (*DockerRuntime)(nil)
