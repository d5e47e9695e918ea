package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auto-dns/fblaster/internal/compose"
	"github.com/auto-dns/fblaster/internal/proc"
	"github.com/auto-dns/fblaster/internal/versionstore"
)

const sampleManifest = `services:
  cat:
    image: reg:7420/cat-image:10.0.0
  dog:
    image: reg:7420/dog-image:10.0.0
`

type fakeDocker struct {
	mu       sync.Mutex
	pulled   []string
	pullErr  error
	stopErr  error
	stopCall int
}

func (f *fakeDocker) ImagePull(ctx context.Context, ref compose.ImageRef, auth string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pullErr != nil {
		return f.pullErr
	}
	f.pulled = append(f.pulled, ref.String())
	return nil
}

func (f *fakeDocker) ComposeStop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCall++
	return f.stopErr
}

func newPipeline(t *testing.T, docker dockerOps, onRespawn func()) (*Pipeline, string) {
	t.Helper()
	dir := t.TempDir()
	base, err := compose.Parse([]byte(sampleManifest))
	require.NoError(t, err)

	cfg := Config{
		Dir:             dir,
		DerivedPath:     filepath.Join(dir, "fblaster-docker-compose.yml"),
		ChildArgv:       []string{"true"},
		Debounce:        20 * time.Millisecond,
		ShutdownTimeout: time.Second,
	}
	p := New(cfg, docker, base, nil, nil, func(h *proc.Handle, m *compose.Manifest) {
		if onRespawn != nil {
			onRespawn()
		}
	}, zerolog.Nop())
	return p, dir
}

func TestChangedRefsDetectsTagDelta(t *testing.T) {
	previous := []compose.ImageRef{
		{Registry: "reg:7420", Image: "cat-image", Tag: "10.0.0"},
		{Registry: "reg:7420", Image: "dog-image", Tag: "10.0.0"},
	}
	next := []compose.ImageRef{
		{Registry: "reg:7420", Image: "cat-image", Tag: "10.0.0"},
		{Registry: "reg:7420", Image: "dog-image", Tag: "10.0.1"},
	}

	changed := changedRefs(previous, next)
	require.Len(t, changed, 1)
	assert.Equal(t, "dog-image", changed[0].Image)
	assert.Equal(t, "10.0.1", changed[0].Tag)
}

func TestDebounceCollapsesBurstsToLastValue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan []compose.ImageRef)
	out := debounce(ctx, in, 30*time.Millisecond)

	first := []compose.ImageRef{{Image: "a", Tag: "1"}}
	second := []compose.ImageRef{{Image: "a", Tag: "2"}}

	in <- first
	time.Sleep(5 * time.Millisecond)
	in <- second

	select {
	case got := <-out:
		assert.Equal(t, second, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for debounced value")
	}

	select {
	case got := <-out:
		t.Fatalf("expected no further emission, got %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRunPullsAndRespawnsOnTagChange(t *testing.T) {
	docker := &fakeDocker{}
	var respawns int
	var mu sync.Mutex

	p, dir := newPipeline(t, docker, func() {
		mu.Lock()
		respawns++
		mu.Unlock()
	})

	initial := []compose.ImageRef{
		{Registry: "reg:7420", Image: "cat-image", Tag: "10.0.0"},
		{Registry: "reg:7420", Image: "dog-image", Tag: "10.0.0"},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snapshots := make(chan []compose.ImageRef, 1)
	errCh := p.Run(ctx, initial, snapshots)

	next := []compose.ImageRef{
		{Registry: "reg:7420", Image: "cat-image", Tag: "10.0.0"},
		{Registry: "reg:7420", Image: "dog-image", Tag: "10.0.1"},
	}
	snapshots <- next

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return respawns == 1
	}, 2*time.Second, 10*time.Millisecond)

	docker.mu.Lock()
	assert.Contains(t, docker.pulled, "reg:7420/dog-image:10.0.1")
	assert.Equal(t, 1, docker.stopCall)
	docker.mu.Unlock()

	// The persist-stage runs after the respawn callback, so wait for it.
	require.Eventually(t, func() bool {
		_, saved, _ := versionstore.Load(dir)
		return saved
	}, 2*time.Second, 10*time.Millisecond)

	entries, ok, err := versionstore.Load(dir)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, entries, 2)

	data, err := os.ReadFile(p.cfg.DerivedPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "dog-image:10.0.1")

	cancel()
	<-errCh
}
