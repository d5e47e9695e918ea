package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auto-dns/fblaster/internal/compose"
)

func newTagServer(t *testing.T, tags []string, wantUser, wantPass string) *httptest.Server {
	t.Helper()
	return httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/tags/list") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if wantUser != "" {
			user, pass, ok := r.BasicAuth()
			if !ok || user != wantUser || pass != wantPass {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
		}
		_ = json.NewEncoder(w).Encode(tagListResponse{Tags: tags})
	}))
}

func TestListTagsDecodesBody(t *testing.T) {
	srv := newTagServer(t, []string{"10.0.0", "10.0.1", "11.0.0"}, "", "")
	defer srv.Close()

	c := NewClient(true, nil)
	host := strings.TrimPrefix(srv.URL, "https://")
	tags, err := c.ListTags(context.Background(), compose.ImageRef{Registry: host, Image: "cat-image"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"10.0.0", "10.0.1", "11.0.0"}, tags)
}

func TestListTagsSendsBasicAuth(t *testing.T) {
	srv := newTagServer(t, []string{"1.0.1"}, "alice", "s3cret")
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "https://")
	c := NewClient(true, map[string]Credential{host: {Username: "alice", Password: "s3cret"}})

	tags, err := c.ListTags(context.Background(), compose.ImageRef{Registry: host, Image: "dog-image"})
	require.NoError(t, err)
	assert.Equal(t, []string{"1.0.1"}, tags)
}

func TestListTagsRejectsBadStatus(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "https://")
	c := NewClient(true, nil)
	_, err := c.ListTags(context.Background(), compose.ImageRef{Registry: host, Image: "cat-image"})
	require.Error(t, err)
}

func TestPollerWatchPublishesOnCompatibleUpgrade(t *testing.T) {
	srv := newTagServer(t, []string{"10.0.0", "10.0.1", "11.0.0"}, "", "")
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "https://")

	client := NewClient(true, nil)
	poller := NewPoller(client, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticks := make(chan time.Time)
	out := poller.Watch(ctx, []compose.ImageRef{{Registry: host, Image: "cat-image", Tag: "10.0.0"}}, ticks)

	ticks <- time.Now()

	select {
	case snapshot := <-out:
		require.Len(t, snapshot, 1)
		assert.Equal(t, "10.0.1", snapshot[0].Tag)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published snapshot")
	}
}

func TestPollerWatchSkipsIncompatibleMajor(t *testing.T) {
	srv := newTagServer(t, []string{"11.0.0"}, "", "")
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "https://")

	client := NewClient(true, nil)
	poller := NewPoller(client, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticks := make(chan time.Time)
	out := poller.Watch(ctx, []compose.ImageRef{{Registry: host, Image: "cat-image", Tag: "10.0.0"}}, ticks)

	ticks <- time.Now()

	select {
	case snapshot := <-out:
		t.Fatalf("expected no publish for incompatible major bump, got %+v", snapshot)
	case <-time.After(300 * time.Millisecond):
	}
}
