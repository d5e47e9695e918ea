package dockercli

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/errdefs"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auto-dns/fblaster/internal/compose"
)

type fakeEngine struct {
	pullErr     error
	inspectResp container.InspectResponse
	inspectErr  error
	restartErr  error
	killErr     error
	lastPullRef string
}

func (f *fakeEngine) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	f.lastPullRef = ref
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	return io.NopCloser(&emptyReader{}), nil
}

func (f *fakeEngine) ContainerInspect(ctx context.Context, id string) (container.InspectResponse, error) {
	return f.inspectResp, f.inspectErr
}

func (f *fakeEngine) ContainerRestart(ctx context.Context, id string, options container.StopOptions) error {
	return f.restartErr
}

func (f *fakeEngine) ContainerKill(ctx context.Context, id, signal string) error {
	return f.killErr
}

func (f *fakeEngine) Close() error { return nil }

type emptyReader struct{}

func (e *emptyReader) Read(p []byte) (int, error) { return 0, io.EOF }

func TestImagePullBuildsCanonicalRef(t *testing.T) {
	fe := &fakeEngine{}
	c := &Client{engine: fe, logger: zerolog.Nop()}

	err := c.ImagePull(context.Background(), compose.ImageRef{Registry: "reg:7420", Image: "cat-image", Tag: "10.0.1"}, "")
	require.NoError(t, err)
	assert.Equal(t, "reg:7420/cat-image:10.0.1", fe.lastPullRef)
}

func TestImagePullWrapsError(t *testing.T) {
	fe := &fakeEngine{pullErr: errors.New("boom")}
	c := &Client{engine: fe, logger: zerolog.Nop()}

	err := c.ImagePull(context.Background(), compose.ImageRef{Image: "redis", Tag: "5.0"}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis:5.0")
}

func TestIsNotFoundDetectsEngineNotFound(t *testing.T) {
	assert.True(t, IsNotFound(errdefs.NotFound(errors.New("no such container"))))
	assert.False(t, IsNotFound(errors.New("some other error")))
}

func TestRestartServicePropagatesError(t *testing.T) {
	fe := &fakeEngine{restartErr: errors.New("daemon unavailable")}
	c := &Client{engine: fe, logger: zerolog.Nop()}

	err := c.RestartService(context.Background(), "abc123", 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "abc123")
}

func TestKillContainerPropagatesError(t *testing.T) {
	fe := &fakeEngine{killErr: errors.New("no such container")}
	c := &Client{engine: fe, logger: zerolog.Nop()}

	err := c.KillContainer(context.Background(), "abc123", "SIGUSR2")
	require.Error(t, err)
}

func TestResolveContainerIDTrimsOutput(t *testing.T) {
	c := &Client{logger: zerolog.Nop(), dir: t.TempDir(), composeArgv: []string{"sh", "-c", "echo deadbeef123; echo extra"}}
	id, err := c.ResolveContainerID(context.Background(), "cat")
	require.NoError(t, err)
	assert.Equal(t, "deadbeef123", id)
}

func TestComposeStopPropagatesFailure(t *testing.T) {
	c := &Client{logger: zerolog.Nop(), dir: t.TempDir(), composeArgv: []string{"sh", "-c", "exit 1"}}
	err := c.ComposeStop(context.Background())
	require.Error(t, err)
}
