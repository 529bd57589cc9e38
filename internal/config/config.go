// Package config holds endpoint settings shared by the beam commands.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rudransh-shrivastava/beam/internal/event"
	"github.com/rudransh-shrivastava/beam/internal/progress"
	"github.com/rudransh-shrivastava/beam/internal/transport/webrtc"
)

const (
	AppDirectoryName = "beam"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "BEAM_DATA_DIR"
	// PeerIDPrefix is prepended to generated peer ids.
	PeerIDPrefix = "beam-"

	TransportWebRTC = "webrtc"
	TransportQUIC   = "quic"

	DefaultSignalURL   = "ws://localhost:8080"
	DefaultQUICAddr    = "0.0.0.0:26098"
	DefaultOpenTimeout = 30 * time.Second

	historyFileName = "history.sqlite3"
)

type Config struct {
	PeerID           string
	Transport        string
	SignalURL        string
	QUICAddr         string
	STUNServers      []string
	DataDir          string
	DBPath           string
	TextSet          string
	ProgressInterval time.Duration
	OpenTimeout      time.Duration
}

// Default returns a config with a fresh peer id and the resolved data
// directory.
func Default() (*Config, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, err
	}

	return &Config{
		PeerID:           NewPeerID(),
		Transport:        TransportWebRTC,
		SignalURL:        DefaultSignalURL,
		QUICAddr:         DefaultQUICAddr,
		STUNServers:      append([]string(nil), webrtc.DefaultSTUNServers...),
		DataDir:          dataDir,
		DBPath:           filepath.Join(dataDir, historyFileName),
		TextSet:          event.DefaultTexts,
		ProgressInterval: progress.DefaultInterval,
		OpenTimeout:      DefaultOpenTimeout,
	}, nil
}

func NewPeerID() string {
	return PeerIDPrefix + uuid.NewString()
}

// ResolveDataDir returns the per-user data directory, honouring BEAM_DATA_DIR.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_DATA_HOME")
		if base == "" {
			base = filepath.Join(home, ".local", "share")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// EnsureDataDir creates the data directory if needed.
func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", c.DataDir, err)
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.PeerID == "" {
		errs = append(errs, errors.New("peer id cannot be empty"))
	}
	switch c.Transport {
	case TransportWebRTC:
		if err := validateURL(c.SignalURL); err != nil {
			errs = append(errs, fmt.Errorf("signal url: %w", err))
		}
	case TransportQUIC:
		if c.QUICAddr == "" {
			errs = append(errs, errors.New("quic address cannot be empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if c.ProgressInterval <= 0 {
		errs = append(errs, errors.New("progress interval must be positive"))
	}
	if c.OpenTimeout <= 0 {
		errs = append(errs, errors.New("open timeout must be positive"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("history path cannot be empty"))
	}

	return errors.Join(errs...)
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}
