package filed

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"pkt.systems/filed/internal/core"
	"pkt.systems/filed/internal/wire"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9450"
	// DefaultListenProto controls the network used when no protocol is configured.
	DefaultListenProto = "tcp"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables the metrics listener.
	DefaultMetricsListen = ""
	// DefaultStore points the server at the in-memory backend when no store is provided.
	DefaultStore = "mem://"
	// DefaultMaxMessageBytes bounds a single framed protocol message.
	DefaultMaxMessageBytes = wire.DefaultMaxMessageBytes
	// DefaultOutboxSize is the per-session notification buffer depth.
	DefaultOutboxSize = core.DefaultOutboxSize
	// DefaultConfigFileName is the config file looked up in the config directory.
	DefaultConfigFileName = "config.yaml"
)

// Config carries every tunable the filed server understands. The zero value
// is not usable directly; Validate fills in defaults and rejects nonsense.
type Config struct {
	// Listen is the address the protocol listener binds to. For unix
	// sockets this is the socket path.
	Listen string `json:"listen" yaml:"listen"`
	// ListenProto selects the listener network: tcp, tcp4, tcp6, or unix.
	ListenProto string `json:"listen_proto" yaml:"listen_proto"`
	// MetricsListen is the Prometheus scrape endpoint. Empty disables it.
	MetricsListen string `json:"metrics_listen,omitempty" yaml:"metrics_listen,omitempty"`
	// Store is the backend URL: mem://, disk://path, or
	// s3://host[:port]/bucket[/prefix].
	Store string `json:"store" yaml:"store"`
	// MaxMessageBytes caps a single framed request or response.
	MaxMessageBytes int64 `json:"max_message_bytes,omitempty" yaml:"max_message_bytes,omitempty"`
	// OutboxSize is the per-session buffer for broadcast notifications.
	// Sessions that fall this far behind start losing notifications.
	OutboxSize int `json:"outbox_size,omitempty" yaml:"outbox_size,omitempty"`
	// WatchStore enables the filesystem watcher on disk stores so files
	// added or removed outside the protocol are picked up and announced.
	WatchStore bool `json:"watch_store,omitempty" yaml:"watch_store,omitempty"`
}

// Validate normalises cfg in place, applying defaults for unset fields and
// returning an error for values no listener or backend could honor.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("config: listen proto must be tcp, tcp4, tcp6, or unix")
	}
	if c.Store == "" {
		c.Store = DefaultStore
	}
	u, err := url.Parse(c.Store)
	if err != nil {
		return fmt.Errorf("config: parse store URL: %w", err)
	}
	switch u.Scheme {
	case "", "mem", "memory", "disk", "s3":
	default:
		return fmt.Errorf("config: store scheme %q not supported", u.Scheme)
	}
	if c.MaxMessageBytes == 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	} else if c.MaxMessageBytes < 0 {
		return fmt.Errorf("config: max message bytes must be > 0")
	}
	if c.OutboxSize == 0 {
		c.OutboxSize = DefaultOutboxSize
	} else if c.OutboxSize < 0 {
		return fmt.Errorf("config: outbox size must be > 0")
	}
	if c.WatchStore && u.Scheme != "disk" && u.Scheme != "" {
		return fmt.Errorf("config: watch-store requires a disk store")
	}
	return nil
}

// DefaultConfigDir resolves the directory filed reads its config file from.
// FILED_CONFIG_DIR overrides the default of ~/.filed.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("FILED_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".filed"), nil
}
