package worker

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Spawn environment keys understood by the worker entrypoint.
const (
	EnvProcessRole    = "PROCESS_ROLE"
	EnvBotWorkerCount = "BOT_WORKER_COUNT"
	EnvBotWorkerID    = "BOT_WORKER_ID"
)

// Config is the typed spawn configuration of one worker. It is built once by the
// supervisor and handed to the child through its environment.
type Config struct {
	Role Role `json:"role"`
	// Sequence is the stable 1-based identity of a BotWorker. Zero for BotMain.
	Sequence int `json:"sequence,omitempty"`
	// PeerCount is the number of BotWorker peers. Only meaningful for BotMain.
	PeerCount int `json:"peerCount,omitempty"`
}

// NewBotMainConfig returns the configuration for the BotMain worker.
func NewBotMainConfig(peerCount int) Config {
	return Config{Role: RoleBotMain, PeerCount: peerCount}
}

// NewBotWorkerConfig returns the configuration for the BotWorker with the given sequence index.
func NewBotWorkerConfig(sequence int) Config {
	return Config{Role: RoleBotWorker, Sequence: sequence}
}

// Validate checks the role-specific fields.
func (c Config) Validate() error {
	switch c.Role {
	case RoleBotMain:
		if c.PeerCount < 0 {
			return fmt.Errorf("%s must be >= 0, got %d", EnvBotWorkerCount, c.PeerCount)
		}
		if c.Sequence != 0 {
			return fmt.Errorf("%s does not carry a sequence index", RoleBotMain)
		}
		return nil
	case RoleBotWorker:
		if c.Sequence < 1 {
			return fmt.Errorf("%s must be >= 1, got %d", EnvBotWorkerID, c.Sequence)
		}
		return nil
	case RolePrimary:
		return fmt.Errorf("%w: %s is not assignable", ErrInvalidRole, RolePrimary)
	default:
		return fmt.Errorf("%w: %q", ErrInvalidRole, string(c.Role))
	}
}

// Env returns the KEY=VALUE pairs injected into the worker process.
func (c Config) Env() []string {
	env := []string{EnvProcessRole + "=" + string(c.Role)}
	switch c.Role {
	case RoleBotMain:
		env = append(env, EnvBotWorkerCount+"="+strconv.Itoa(c.PeerCount))
	case RoleBotWorker:
		env = append(env, EnvBotWorkerID+"="+strconv.Itoa(c.Sequence))
	default:
	}
	return env
}

// ConfigFromEnv decodes the spawn environment. lookup is usually os.LookupEnv.
func ConfigFromEnv(lookup func(string) (string, bool)) (Config, error) {
	raw, ok := lookup(EnvProcessRole)
	if !ok {
		return Config{}, fmt.Errorf("%s is not set", EnvProcessRole)
	}
	role, err := ParseRole(raw)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{Role: role}
	switch role {
	case RoleBotMain:
		n, err := requireInt(lookup, EnvBotWorkerCount)
		if err != nil {
			return Config{}, err
		}
		cfg.PeerCount = n
	case RoleBotWorker:
		n, err := requireInt(lookup, EnvBotWorkerID)
		if err != nil {
			return Config{}, err
		}
		cfg.Sequence = n
	default:
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func requireInt(lookup func(string) (string, bool), key string) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return 0, fmt.Errorf("%s is not set", key)
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

// Identity is a short label such as "bot_main" or "bot_worker#2".
func (c Config) Identity() string {
	if c.Role == RoleBotWorker {
		return fmt.Sprintf("%s#%d", c.Role, c.Sequence)
	}
	return string(c.Role)
}

// MarshalZerologObject lets the config be attached to log lines with Object/EmbedObject.
func (c Config) MarshalZerologObject(e *zerolog.Event) {
	e.Str("role", string(c.Role))
	switch c.Role {
	case RoleBotWorker:
		e.Int("sequence", c.Sequence)
	case RoleBotMain:
		e.Int("peer_count", c.PeerCount)
	default:
	}
}
