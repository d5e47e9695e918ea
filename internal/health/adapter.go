package health

import (
	"context"

	"github.com/docker/docker/api/types/container"

	"github.com/auto-dns/fblaster/internal/dockercli"
)

// ClientAdapter wraps *dockercli.Client to satisfy dockerCli, translating
// the Docker SDK's container.InspectResponse into the narrow healthView
// this package actually needs.
type ClientAdapter struct {
	Client *dockercli.Client
}

// NewClientAdapter wraps client for use with NewMonitor.
func NewClientAdapter(client *dockercli.Client) *ClientAdapter {
	return &ClientAdapter{Client: client}
}

func (a *ClientAdapter) ResolveContainerID(ctx context.Context, label string) (string, error) {
	return a.Client.ResolveContainerID(ctx, label)
}

func (a *ClientAdapter) Inspect(ctx context.Context, containerID string) (healthView, error) {
	resp, err := a.Client.Inspect(ctx, containerID)
	if err != nil {
		return nil, err
	}
	return inspectView{resp}, nil
}

// inspectView adapts container.InspectResponse to healthView.
type inspectView struct {
	resp container.InspectResponse
}

func (v inspectView) HealthStatus() (string, bool) {
	if v.resp.State == nil || v.resp.State.Health == nil {
		return "", false
	}
	return v.resp.State.Health.Status, true
}
