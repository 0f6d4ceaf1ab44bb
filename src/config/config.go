package config

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/adamjohannes/ouroboros/src/common"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Default configuration values.
const (
	DefaultLogLevel    = "debug"
	DefaultBindAddr    = "127.0.0.1:9000"
	DefaultServiceAddr = "127.0.0.1:8000"
	DefaultDialTimeout = 1000 * time.Millisecond
	DefaultAckTimeout  = 150 * time.Millisecond
	DefaultWalkTimeout = 30 * time.Second
)

// Config contains all the configuration properties of an Ouroboros node.
type Config struct {
	// DataDir is the top-level directory containing Ouroboros data. On
	// startup, the node creates a working directory named after its port
	// inside DataDir.
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// BindAddr is the local address:port where this node listens for
	// protocol commands, from clients and from other ring nodes alike. It
	// is also the node's identity in protocol messages. A bare port is
	// interpreted as 127.0.0.1:<port>.
	BindAddr string `mapstructure:"listen"`

	// NoService disables the HTTP status service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the optional HTTP status service.
	ServiceAddr string `mapstructure:"service-listen"`

	// DialTimeout is the timeout for outbound connections to other ring
	// nodes.
	DialTimeout time.Duration `mapstructure:"timeout"`

	// AckTimeout bounds the best-effort read of a response line after
	// forwarding a command to another node. Elapsing is not a failure.
	AckTimeout time.Duration `mapstructure:"ack-timeout"`

	// WalkTimeout is how long a node waits for a WALK it initiated to
	// complete its loop around the ring.
	WalkTimeout time.Duration `mapstructure:"walk-timeout"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:     DefaultDataDir(),
		LogLevel:    DefaultLogLevel,
		BindAddr:    DefaultBindAddr,
		ServiceAddr: DefaultServiceAddr,
		DialTimeout: DefaultDialTimeout,
		AckTimeout:  DefaultAckTimeout,
		WalkTimeout: DefaultWalkTimeout,
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t, level)
	return config
}

// SetLogger overrides the logger that Logger would otherwise build, so the
// command line tool can install file hooks before the node starts.
func (c *Config) SetLogger(logger *logrus.Logger) {
	c.logger = logger
}

// Logger returns a formatted logrus Entry, with prefix set to "ouroboros".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)
	}
	return c.logger.WithField("prefix", "ouroboros")
}

// NormalizeAddr accepts "7001" or "127.0.0.1:7001" and returns a full
// host:port address.
func NormalizeAddr(raw string) string {
	if strings.Contains(raw, ":") {
		return raw
	}
	return "127.0.0.1:" + raw
}

// DefaultDataDir returns the default directory name for top-level Ouroboros
// data based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Ouroboros")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Ouroboros")
		} else {
			return filepath.Join(home, ".ouroboros")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
