// Package relaycred fetches short-lived TURN credentials from the relay
// authority and merges them with a static STUN baseline. The provider never
// fails: when the authority is unreachable it degrades to the baseline set.
package relaycred

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type CredentialKind string

const (
	KindSTUN CredentialKind = "stun"
	KindTURN CredentialKind = "turn"
)

type Server struct {
	Address  string         `json:"address"`
	Kind     CredentialKind `json:"kind"`
	Username string         `json:"username,omitempty"`
	Secret   string         `json:"secret,omitempty"`
}

// ServerSet is an immutable snapshot of candidate ICE servers. Readers get
// either the old or the new snapshot, never a partially refreshed one.
type ServerSet struct {
	Servers   []Server
	FetchedAt time.Time
	ExpiresAt time.Time
}

func (s *ServerSet) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// ICEServers converts the set into pion configuration entries.
func (s *ServerSet) ICEServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(s.Servers))
	for _, srv := range s.Servers {
		ice := webrtc.ICEServer{URLs: []string{srv.Address}}
		if srv.Kind == KindTURN {
			ice.Username = srv.Username
			ice.Credential = srv.Secret
		}
		out = append(out, ice)
	}
	return out
}

// RelayFirst returns a copy with TURN entries ordered before STUN ones, used
// for the relay-prioritized fallback attempt after a connectivity failure.
func (s *ServerSet) RelayFirst() *ServerSet {
	ordered := make([]Server, 0, len(s.Servers))
	for _, srv := range s.Servers {
		if srv.Kind == KindTURN {
			ordered = append(ordered, srv)
		}
	}
	for _, srv := range s.Servers {
		if srv.Kind != KindTURN {
			ordered = append(ordered, srv)
		}
	}
	return &ServerSet{Servers: ordered, FetchedAt: s.FetchedAt, ExpiresAt: s.ExpiresAt}
}

type Options struct {
	AuthorityURL string
	FetchTimeout time.Duration
	StunURLs     []string
	FallbackTTL  time.Duration
	HTTPClient   *http.Client
}

type Provider struct {
	authorityURL string
	fetchTimeout time.Duration
	fallbackTTL  time.Duration
	client       *http.Client
	baseline     []Server

	cache atomic.Pointer[ServerSet]
	mu    sync.Mutex // one refresh at a time

	now func() time.Time
}

func NewProvider(opts Options) *Provider {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 5 * time.Second
	}
	if opts.FallbackTTL <= 0 {
		opts.FallbackTTL = 10 * time.Minute
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if len(opts.StunURLs) == 0 {
		opts.StunURLs = []string{"stun:stun.l.google.com:19302"}
	}
	baseline := make([]Server, 0, len(opts.StunURLs))
	for _, u := range opts.StunURLs {
		baseline = append(baseline, Server{Address: u, Kind: KindSTUN})
	}
	return &Provider{
		authorityURL: opts.AuthorityURL,
		fetchTimeout: opts.FetchTimeout,
		fallbackTTL:  opts.FallbackTTL,
		client:       opts.HTTPClient,
		baseline:     baseline,
		now:          time.Now,
	}
}

// Servers returns the cached set when it is still fresh, otherwise refreshes.
// It always returns a usable set with at least the STUN baseline.
func (p *Provider) Servers(ctx context.Context) *ServerSet {
	if set := p.cache.Load(); set != nil && !set.Expired(p.now()) {
		return set
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	// Another caller may have refreshed while we waited for the lock.
	if set := p.cache.Load(); set != nil && !set.Expired(p.now()) {
		return set
	}

	set := p.refresh(ctx)
	p.cache.Store(set)
	return set
}

// Invalidate drops the cached set so the next Servers call re-fetches. Used
// after a connectivity failure to avoid reusing possibly-expired credentials.
func (p *Provider) Invalidate() {
	p.cache.Store(nil)
	log.Info().Str("module", "relaycred").Msg("credential cache invalidated")
}

func (p *Provider) refresh(ctx context.Context) *ServerSet {
	now := p.now()
	set := &ServerSet{
		Servers:   append([]Server(nil), p.baseline...),
		FetchedAt: now,
		ExpiresAt: now.Add(p.fallbackTTL),
	}

	relays, ttl, err := p.fetchRelays(ctx)
	if err != nil {
		log.Warn().Err(err).Str("module", "relaycred").Msg("relay fetch failed, using STUN baseline only")
		return set
	}
	set.Servers = append(set.Servers, relays...)
	if ttl > 0 {
		set.ExpiresAt = now.Add(ttl)
	}
	log.Info().Str("module", "relaycred").Int("relay_count", len(relays)).Time("expires_at", set.ExpiresAt).Msg("refreshed candidate servers")
	return set
}

type authorityResponse struct {
	Servers []struct {
		Address  string `json:"address"`
		Username string `json:"username,omitempty"`
		Secret   string `json:"secret,omitempty"`
	} `json:"servers"`
	TTLSeconds int `json:"ttl_seconds,omitempty"`
}

func (p *Provider) fetchRelays(ctx context.Context) ([]Server, time.Duration, error) {
	if p.authorityURL == "" {
		return nil, 0, fmt.Errorf("no relay authority configured")
	}
	ctx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.authorityURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build relay request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("relay authority request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, 0, fmt.Errorf("relay authority status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("read relay response: %w", err)
	}
	var parsed authorityResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, 0, fmt.Errorf("malformed relay response: %w", err)
	}

	// Only relay-class entries are taken from the authority; the STUN
	// baseline is always the local static set.
	relays := make([]Server, 0, len(parsed.Servers))
	for _, e := range parsed.Servers {
		if !isRelayAddress(e.Address) {
			continue
		}
		relays = append(relays, Server{
			Address:  e.Address,
			Kind:     KindTURN,
			Username: e.Username,
			Secret:   e.Secret,
		})
	}
	return relays, time.Duration(parsed.TTLSeconds) * time.Second, nil
}

func isRelayAddress(addr string) bool {
	return strings.HasPrefix(addr, "turn:") || strings.HasPrefix(addr, "turns:")
}
