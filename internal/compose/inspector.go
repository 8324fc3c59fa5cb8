package compose

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// Labels set by docker compose on every container it creates.
const (
	labelProject = "com.docker.compose.project"
	labelService = "com.docker.compose.service"
)

// ContainerLister is the part of the docker engine client the Inspector uses.
type ContainerLister interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
}

// Container is the state of one container of the project.
type Container struct {
	Service string `json:"service"`
	Name    string `json:"name"`
	State   string `json:"state"`
	Status  string `json:"status"`
}

// Inspector reports container states of a compose project through the
// docker engine API. The environment uses it to explain a startup timeout.
type Inspector struct {
	client  ContainerLister
	project string
	closer  func() error
}

// NewInspector connects to the docker daemon configured by DOCKER_HOST and
// related variables.
func NewInspector(project string) (*Inspector, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return &Inspector{client: cli, project: project, closer: cli.Close}, nil
}

// NewInspectorWithClient creates an Inspector with an injected client. A
// client that is also an io.Closer is closed by Close.
func NewInspectorWithClient(c ContainerLister, project string) *Inspector {
	i := &Inspector{client: c, project: project}
	if closer, ok := c.(io.Closer); ok {
		i.closer = closer.Close
	}
	return i
}

// Containers lists every container of the project, running or not,
// ordered by service name.
func (i *Inspector) Containers(ctx context.Context) ([]Container, error) {
	list, err := i.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelProject+"="+i.project)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers of %s: %w", i.project, err)
	}

	out := make([]Container, 0, len(list))
	for _, s := range list {
		name := ""
		if len(s.Names) > 0 {
			name = strings.TrimPrefix(s.Names[0], "/")
		}
		out = append(out, Container{
			Service: s.Labels[labelService],
			Name:    name,
			State:   s.State,
			Status:  s.Status,
		})
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Service != out[b].Service {
			return out[a].Service < out[b].Service
		}
		return out[a].Name < out[b].Name
	})
	return out, nil
}

// LogStates logs one line per container. Listing failures are logged too;
// this is a diagnostic and never fails the caller.
func (i *Inspector) LogStates(ctx context.Context, logger *slog.Logger) {
	containers, err := i.Containers(ctx)
	if err != nil {
		logger.Warn("container states unavailable", "error", err)
		return
	}
	for _, c := range containers {
		logger.Info("container", "service", c.Service, "name", c.Name, "state", c.State, "status", c.Status)
	}
}

// Close releases the docker client.
func (i *Inspector) Close() error {
	if i.closer == nil {
		return nil
	}
	return i.closer()
}
