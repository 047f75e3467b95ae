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

// Package lifecycle installs, starts, stops, and upgrades tool-provider and
// trigger containers, keeping the installation manifest and the tool catalog
// consistent with the container runtime.
package lifecycle

import (
	"context"
)

// ContainerSpec describes a container to create.
type ContainerSpec struct {
	Name   string
	Image  string
	Env    []string
	Labels map[string]string

	// Port is the container port to publish on HostPort (127.0.0.1).
	Port     int
	HostPort int
}

// ContainerInfo is a running or stopped container as seen by the runtime.
type ContainerInfo struct {
	ID     string
	Name   string
	Image  string
	State  string
	Labels map[string]string
}

// Runtime abstracts the container engine. The docker implementation is the
// production one; tests substitute fakes.
type Runtime interface {
	PullImage(ctx context.Context, image string) error
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
	ListContainers(ctx context.Context, labelKey, labelValue string) ([]ContainerInfo, error)
	ContainerLogs(ctx context.Context, id string, tail int) (string, error)
}
