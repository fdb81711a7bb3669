package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/careline/careline/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	Call     Call     `json:"call"`
	Sync     Sync     `json:"sync"`
	Viewer   Viewer   `json:"viewer"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`

	// Path to the SQLite room directory, relative to the peer directory.
	RoomDBPath string `json:"room_db_path"`
}

type Call struct {
	// Events whose origin timestamp is older than this are treated as
	// historical replay and never ring.
	FreshnessWindowMs int `json:"freshness_window_ms"`

	// How long PlaceCall/AnswerCall waits for a room to materialize
	// locally before failing with a room-not-found error.
	RoomWaitSec int `json:"room_wait_sec"`

	// Processed-invite bookkeeping bounds.
	ProcessedCap          int `json:"processed_cap"`
	ProcessedRetentionMin int `json:"processed_retention_min"`

	// STUN servers for the RTC peer connection.
	STUNServers []string `json:"stun_servers"`
}

type Sync struct {
	// Coalescing window for the debounced message-list refresher.
	RefreshDebounceMs int `json:"refresh_debounce_ms"`
}

type Viewer struct {
	// Loopback HTTP control address. Empty picks an ephemeral port.
	HTTPAddr string `json:"http_addr"`
	LogLines int    `json:"log_lines"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    "careline-mdns",
			RoomDBPath: "data/rooms.db",
		},
		Call: Call{
			FreshnessWindowMs:     10_000,
			RoomWaitSec:           5,
			ProcessedCap:          512,
			ProcessedRetentionMin: 60,
			STUNServers:           []string{"stun:stun.l.google.com:19302"},
		},
		Sync: Sync{
			RefreshDebounceMs: 250,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:7642",
			LogLines: 800,
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}

	if c.Call.FreshnessWindowMs <= 0 {
		return errors.New("call.freshness_window_ms must be > 0")
	}
	if c.Call.RoomWaitSec <= 0 {
		return errors.New("call.room_wait_sec must be > 0")
	}
	if c.Call.ProcessedCap <= 0 {
		return errors.New("call.processed_cap must be > 0")
	}
	if c.Call.ProcessedRetentionMin <= 0 {
		return errors.New("call.processed_retention_min must be > 0")
	}
	for _, s := range c.Call.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") {
			return fmt.Errorf("call.stun_servers: %q must start with stun: or turn:", s)
		}
	}

	if c.Sync.RefreshDebounceMs < 0 {
		return errors.New("sync.refresh_debounce_ms must be >= 0")
	}

	if c.Viewer.LogLines <= 0 {
		return errors.New("viewer.log_lines must be > 0")
	}

	return nil
}

// FreshnessWindow returns the replay cutoff as a duration.
func (c *Config) FreshnessWindow() time.Duration {
	return time.Duration(c.Call.FreshnessWindowMs) * time.Millisecond
}

// RoomWait returns the room materialization deadline as a duration.
func (c *Config) RoomWait() time.Duration {
	return time.Duration(c.Call.RoomWaitSec) * time.Second
}

// ProcessedRetention returns the processed-invite retention window.
func (c *Config) ProcessedRetention() time.Duration {
	return time.Duration(c.Call.ProcessedRetentionMin) * time.Minute
}

// RefreshDebounce returns the refresher coalescing window.
func (c *Config) RefreshDebounce() time.Duration {
	return time.Duration(c.Sync.RefreshDebounceMs) * time.Millisecond
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
