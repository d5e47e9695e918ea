// Package registry implements the Registry Poller (C2): an HTTPS tag-list
// client plus per-image polling that republishes the entire tracked set
// whenever any one image's selected tag advances. Grounded on the teacher's
// narrow-interface-over-an-external-client shape (internal/core's
// dockerClient pattern), rebuilt around net/http since the teacher's own
// external client (etcd) has no tag-list concept to generalize from.
package registry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/auto-dns/fblaster/internal/compose"
	"github.com/auto-dns/fblaster/internal/metrics"
	"github.com/auto-dns/fblaster/internal/semver"
)

// Credential is the basic-auth pair resolved from a --credentials file
// (spec.md §6).
type Credential struct {
	Username string
	Password string
}

// Client issues registry v2 tag-list requests.
type Client struct {
	http        *http.Client
	credentials map[string]Credential // keyed by registry host
}

// NewClient builds a Client. insecure disables TLS certificate verification
// (spec.md §6 --insecure), matching registries fronted by a self-signed
// certificate on a local network.
func NewClient(insecure bool, credentials map[string]Credential) *Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: insecure}, //nolint:gosec // operator-controlled via --insecure
	}
	return &Client{
		http:        &http.Client{Transport: transport, Timeout: 15 * time.Second},
		credentials: credentials,
	}
}

type tagListResponse struct {
	Tags []string `json:"tags"`
}

// ListTags fetches the page of tags for ref from its registry's v2 API
// (spec.md §4.2's "/v2/{image}/tags/list" wire protocol).
func (c *Client) ListTags(ctx context.Context, ref compose.ImageRef) ([]string, error) {
	registry := ref.Registry
	if registry == "" {
		registry = "registry-1.docker.io"
	}
	url := fmt.Sprintf("https://%s/v2/%s/tags/list?n=10000", registry, ref.Image)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: building request for %s: %w", ref.String(), err)
	}
	if cred, ok := c.credentials[ref.Registry]; ok {
		req.SetBasicAuth(cred.Username, cred.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry: listing tags for %s: %w", ref.String(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry: listing tags for %s: unexpected status %d", ref.String(), resp.StatusCode)
	}

	var body tagListResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("registry: decoding tag list for %s: %w", ref.String(), err)
	}
	return body.Tags, nil
}

// Poller maintains one goroutine per tracked image, each polling its own
// tag list on every tick and republishing the full tracked set whenever any
// image's selected tag advances (spec.md §4.2).
type Poller struct {
	client *Client
	logger zerolog.Logger
	rec    *metrics.Recorder
}

// NewPoller constructs a Poller bound to client. rec may be nil, in which
// case polling proceeds unmetered (tests construct Pollers this way).
func NewPoller(client *Client, rec *metrics.Recorder, logger zerolog.Logger) *Poller {
	return &Poller{client: client, rec: rec, logger: logger.With().Str("component", "registry").Logger()}
}

// Watch starts one goroutine per initial ref and returns a channel that
// receives the entire tracked set (copy-on-write) every time any image's
// polled tag advances past its current value under its caret range.
// Per-image ticking is at-most-one-in-flight: each goroutine issues its HTTP
// call synchronously inside its own tick loop. ticks is fanned out so every
// tracked image's goroutine observes every tick, instead of a plain channel
// split roughly 1/N across goroutines (spec.md §4.2's "per-image sequences
// run in parallel").
func (p *Poller) Watch(ctx context.Context, initial []compose.ImageRef, ticks <-chan time.Time) <-chan []compose.ImageRef {
	out := make(chan []compose.ImageRef)

	var mu sync.Mutex
	current := make([]compose.ImageRef, len(initial))
	copy(current, initial)

	publish := func(idx int, tag string) {
		mu.Lock()
		current[idx].Tag = tag
		snapshot := make([]compose.ImageRef, len(current))
		copy(snapshot, current)
		mu.Unlock()

		select {
		case out <- snapshot:
		case <-ctx.Done():
		}
	}

	perImageTicks := make([]chan time.Time, len(initial))
	for i := range perImageTicks {
		perImageTicks[i] = make(chan time.Time, 1)
	}
	go fanOutTicks(ctx, ticks, perImageTicks)

	var wg sync.WaitGroup
	for i, ref := range initial {
		wg.Add(1)
		go p.watchOne(ctx, i, ref, perImageTicks[i], publish, &wg)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}

// fanOutTicks replicates every value read from ticks to each of outs, so N
// per-image watchers can share a single interruptible interval instead of
// racing to drain one shared channel. A slow or still-busy watcher drops the
// tick rather than stalling the others, matching a ticker's own
// drop-if-not-ready behavior.
func fanOutTicks(ctx context.Context, ticks <-chan time.Time, outs []chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-ticks:
			if !ok {
				return
			}
			for _, o := range outs {
				select {
				case o <- t:
				default:
				}
			}
		}
	}
}

func (p *Poller) watchOne(ctx context.Context, idx int, ref compose.ImageRef, ticks <-chan time.Time, publish func(int, string), wg *sync.WaitGroup) {
	defer wg.Done()
	currentTag := ref.Tag
	logger := p.logger.With().Str("image", ref.String()).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			if p.rec != nil {
				p.rec.RecordRegistryPoll(ctx, ref.String())
			}
			tags, err := p.client.ListTags(ctx, compose.ImageRef{Registry: ref.Registry, Image: ref.Image})
			if err != nil {
				logger.Warn().Err(err).Msg("registry poll failed, will retry next tick")
				continue
			}
			tag, ok := semver.GreatestCompatible(tags, currentTag)
			if !ok {
				continue
			}
			logger.Info().Str("from", currentTag).Str("to", tag).Msg("compatible upgrade available")
			currentTag = tag
			if p.rec != nil {
				p.rec.RecordUpgradeSelected(ctx, ref.String())
			}
			publish(idx, tag)
		}
	}
}
