package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/yuunie/clouddrop/internal/protocol"
)

// Default configuration values (production).
const (
	DefaultDomain   = "clouddrop.app"
	DefaultSTUN     = "stun:stun.l.google.com:19302"
	DefaultTURN     = "" // optional, empty by default
	DefaultTURNUser = "clouddrop"
	DefaultTURNPass = "clouddrop-secret"
)

// Config holds client configuration.
type Config struct {
	// Domain is the signaling service domain.
	Domain string

	// WebSocketURL and APIBaseURL are constructed from the domain.
	WebSocketURL string
	APIBaseURL   string

	// Room is the explicit room code, empty for network-derived rooms.
	Room string

	// Password is the plain room password, held only in memory.
	Password string

	// OutputDir receives incoming files.
	OutputDir string

	// ForceRelay skips the direct path entirely.
	ForceRelay bool

	// StrictIntegrity fails a relay transfer that completes with missing
	// chunks instead of delivering the partial assembly.
	StrictIntegrity bool

	// ICE fallbacks used when /api/ice-servers is unreachable.
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
}

// Options carries CLI flag overrides into Load.
type Options struct {
	Domain          string
	Room            string
	Password        string
	OutputDir       string
	ForceRelay      bool
	StrictIntegrity bool
	STUNServer      string
	TURNServer      string
	TURNUser        string
	TURNPass        string
	Insecure        bool
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	domain := firstNonEmpty(opts.Domain, os.Getenv("CLOUDDROP_DOMAIN"), DefaultDomain)
	room := firstNonEmpty(opts.Room, os.Getenv("CLOUDDROP_ROOM"))
	stun := firstNonEmpty(opts.STUNServer, os.Getenv("STUN_SERVER"), DefaultSTUN)
	turn := firstNonEmpty(opts.TURNServer, os.Getenv("TURN_SERVER"), DefaultTURN)
	turnUser := firstNonEmpty(opts.TURNUser, os.Getenv("TURN_USERNAME"), DefaultTURNUser)
	turnPass := firstNonEmpty(opts.TURNPass, os.Getenv("TURN_PASSWORD"), DefaultTURNPass)

	wsScheme, httpScheme := "wss", "https"
	if opts.Insecure || strings.HasPrefix(domain, "localhost") || strings.HasPrefix(domain, "127.") {
		wsScheme, httpScheme = "ws", "http"
	}

	return &Config{
		Domain:          domain,
		WebSocketURL:    fmt.Sprintf("%s://%s/ws", wsScheme, domain),
		APIBaseURL:      fmt.Sprintf("%s://%s", httpScheme, domain),
		Room:            room,
		Password:        opts.Password,
		OutputDir:       opts.OutputDir,
		ForceRelay:      opts.ForceRelay,
		StrictIntegrity: opts.StrictIntegrity,
		STUNServer:      stun,
		TURNServer:      turn,
		TURNUser:        turnUser,
		TURNPass:        turnPass,
	}, nil
}

// FallbackICEServers is the hard-coded list used when the ice-servers
// endpoint cannot be reached.
func (c *Config) FallbackICEServers() []protocol.ICEServer {
	servers := []protocol.ICEServer{{URLs: []string{c.STUNServer}}}
	if c.TURNServer != "" {
		servers = append(servers, protocol.ICEServer{
			URLs: []string{
				fmt.Sprintf("%s:3478?transport=udp", c.TURNServer),
				fmt.Sprintf("%s:3478?transport=tcp", c.TURNServer),
			},
			Username:   c.TURNUser,
			Credential: c.TURNPass,
		})
	}
	return servers
}

// ServerICEServers builds the list the signaling service advertises,
// from the same environment surface.
func ServerICEServers() []protocol.ICEServer {
	stun := firstNonEmpty(os.Getenv("STUN_SERVER"), DefaultSTUN)
	servers := []protocol.ICEServer{{URLs: []string{stun}}}
	if turn := os.Getenv("TURN_SERVER"); turn != "" {
		servers = append(servers, protocol.ICEServer{
			URLs:       []string{turn},
			Username:   firstNonEmpty(os.Getenv("TURN_USERNAME"), DefaultTURNUser),
			Credential: firstNonEmpty(os.Getenv("TURN_PASSWORD"), DefaultTURNPass),
		})
	}
	return servers
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
