package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/relaylink/hublink/internal/xerrors"
)

// ICEConfigFetcher retrieves per-hub ICE server configuration over a plain
// HTTP GET, caching results for a short
// window so rapid reconnects don't re-fetch on every attempt.
type ICEConfigFetcher struct {
	baseURL    string
	httpClient *http.Client
	cacheTTL   time.Duration

	mu    sync.Mutex
	cache map[string]cachedEntry
}

type cachedEntry struct {
	servers  []webrtc.ICEServer
	fetchedAt time.Time
}

type iceServerWire struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type iceConfigResponse struct {
	ICEServers []iceServerWire `json:"ice_servers"`
}

// NewICEConfigFetcher builds a fetcher against baseURL (the hub's HTTP
// endpoint) with a 60-second cache per hub.
func NewICEConfigFetcher(baseURL string, httpClient *http.Client) *ICEConfigFetcher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &ICEConfigFetcher{
		baseURL:    baseURL,
		httpClient: httpClient,
		cacheTTL:   60 * time.Second,
		cache:      make(map[string]cachedEntry),
	}
}

// Fetch returns the ICE servers for hubID, serving from cache when fresh.
func (f *ICEConfigFetcher) Fetch(ctx context.Context, hubID string) ([]webrtc.ICEServer, error) {
	f.mu.Lock()
	if entry, ok := f.cache[hubID]; ok && time.Since(entry.fetchedAt) < f.cacheTTL {
		f.mu.Unlock()
		return entry.servers, nil
	}
	f.mu.Unlock()

	url := fmt.Sprintf("%s/hubs/%s/webrtc", f.baseURL, hubID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", xerrors.ErrIceConfigFetchFailed, err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", xerrors.ErrIceConfigFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", xerrors.ErrIceConfigFetchFailed, resp.StatusCode)
	}

	var wire iceConfigResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", xerrors.ErrIceConfigFetchFailed, err)
	}

	servers := make([]webrtc.ICEServer, 0, len(wire.ICEServers))
	for _, s := range wire.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	f.mu.Lock()
	f.cache[hubID] = cachedEntry{servers: servers, fetchedAt: time.Now()}
	f.mu.Unlock()

	return servers, nil
}
