package engine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"

	"github.com/yuunie/clouddrop/internal/protocol"
)

// iceRanker fetches the advertised ICE servers, health-checks the STUN
// entries and caches the ranked result.
type iceRanker struct {
	apiBaseURL string
	fallback   []protocol.ICEServer

	mu      sync.Mutex
	ranked  []webrtc.ICEServer
	fetched time.Time
}

func newICERanker(apiBaseURL string, fallback []protocol.ICEServer) *iceRanker {
	return &iceRanker{apiBaseURL: apiBaseURL, fallback: fallback}
}

// Servers returns the ranked list, refreshing it when the cache has aged
// out. TURN servers are kept unprobed and prepended; responsive STUN servers
// follow, fastest first.
func (r *iceRanker) Servers() []webrtc.ICEServer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ranked != nil && time.Since(r.fetched) < RankedCacheTTL {
		return r.ranked
	}

	advertised := r.fetchAdvertised()
	r.ranked = rankServers(advertised)
	r.fetched = time.Now()
	return r.ranked
}

func (r *iceRanker) fetchAdvertised() []protocol.ICEServer {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(r.apiBaseURL + "/api/ice-servers")
	if err != nil {
		slog.Warn("ice-servers endpoint unreachable, using fallback list", "err", err)
		return r.fallback
	}
	defer resp.Body.Close()

	var body struct {
		ICEServers []protocol.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || len(body.ICEServers) == 0 {
		slog.Warn("ice-servers response unusable, using fallback list", "err", err)
		return r.fallback
	}
	return body.ICEServers
}

type probedServer struct {
	server webrtc.ICEServer
	rtt    time.Duration
}

// rankServers probes every STUN server in parallel and sorts the responders
// by round-trip latency. TURN servers are not probed (auth makes a probe
// expensive) and go first unchanged.
func rankServers(advertised []protocol.ICEServer) []webrtc.ICEServer {
	var turn []webrtc.ICEServer
	var stunServers []webrtc.ICEServer

	for _, s := range advertised {
		converted := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			converted.Username = s.Username
			converted.Credential = s.Credential
		}
		if isTURN(s.URLs) {
			turn = append(turn, converted)
		} else {
			stunServers = append(stunServers, converted)
		}
	}

	results := make(chan probedServer, len(stunServers))
	var wg sync.WaitGroup
	for _, s := range stunServers {
		wg.Add(1)
		go func(server webrtc.ICEServer) {
			defer wg.Done()
			rtt, err := probeSTUN(server.URLs[0])
			if err != nil {
				slog.Debug("stun probe failed", "server", server.URLs[0], "err", err)
				return
			}
			results <- probedServer{server: server, rtt: rtt}
		}(s)
	}
	wg.Wait()
	close(results)

	var responsive []probedServer
	for p := range results {
		responsive = append(responsive, p)
	}
	sort.Slice(responsive, func(i, j int) bool {
		return responsive[i].rtt < responsive[j].rtt
	})

	ranked := make([]webrtc.ICEServer, 0, len(turn)+len(responsive))
	ranked = append(ranked, turn...)
	for _, p := range responsive {
		ranked = append(ranked, p.server)
	}
	if len(ranked) == 0 {
		// Nothing responded; better to hand pion the raw list than nothing.
		return append(turn, stunServers...)
	}
	return ranked
}

func isTURN(urls []string) bool {
	for _, u := range urls {
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}

// probeSTUN opens a short-lived binding request against one STUN server and
// measures the round trip to the first response.
func probeSTUN(rawURL string) (time.Duration, error) {
	addr := strings.TrimPrefix(rawURL, "stun:")
	if !strings.Contains(addr, ":") {
		addr += ":3478"
	}

	conn, err := net.DialTimeout("udp4", addr, ProbeTimeout)
	if err != nil {
		return 0, err
	}
	client, err := stun.NewClient(conn)
	if err != nil {
		conn.Close()
		return 0, err
	}
	defer client.Close()

	message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	start := time.Now()

	type probeResult struct {
		rtt time.Duration
		err error
	}
	done := make(chan probeResult, 1)
	if err := client.Start(message, func(res stun.Event) {
		if res.Error != nil {
			done <- probeResult{err: res.Error}
			return
		}
		var mapped stun.XORMappedAddress
		if err := mapped.GetFrom(res.Message); err != nil {
			done <- probeResult{err: err}
			return
		}
		done <- probeResult{rtt: time.Since(start)}
	}); err != nil {
		return 0, err
	}

	select {
	case res := <-done:
		return res.rtt, res.err
	case <-time.After(ProbeTimeout):
		return 0, fmt.Errorf("stun probe timed out after %s", ProbeTimeout)
	}
}
