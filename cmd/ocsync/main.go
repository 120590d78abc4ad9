package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v2"

	"github.com/ocsync/ocsync"
)

// Build information.
var (
	Version = "(development build)"
)

// errStop is a terminal error for indicating program should quit.
var errStop = errors.New("stop")

// Sentinel errors for configuration validation
var (
	ErrInvalidSyncInterval        = errors.New("sync interval must be greater than 0")
	ErrInvalidDownloadConcurrency = fmt.Errorf("download concurrency must be between 1 and %d", ocsync.MaxDownloadConcurrency)
	ErrInvalidDownloadIdleTimeout = fmt.Errorf("download idle timeout must be between %s and %s", ocsync.MinDownloadIdleTimeout, ocsync.MaxDownloadIdleTimeout)
	ErrInvalidMaxDownloadSize     = errors.New("max download size must be greater than 0")
	ErrAccountURLRequired         = errors.New("account url required")
	ErrAccountUserRequired        = errors.New("account user-id required")
	ErrDuplicateAccountID         = errors.New("duplicate account id")
	ErrConfigFileNotFound         = errors.New("config file not found")
)

// ConfigValidationError wraps a validation error with additional context
type ConfigValidationError struct {
	Err   error
	Field string
	Value interface{}
}

func (e *ConfigValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("%s: %v (got %v)", e.Field, e.Err, e.Value)
	}
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ConfigValidationError) Unwrap() error {
	return e.Err
}

func main() {
	m := NewMain()
	if err := m.Run(context.Background(), os.Args[1:]); errors.Is(err, flag.ErrHelp) || errors.Is(err, errStop) {
		os.Exit(1)
	} else if err != nil {
		slog.Error("failed to run", "error", err)
		os.Exit(1)
	}
}

// Main represents the main program execution.
type Main struct{}

// NewMain returns a new instance of Main.
func NewMain() *Main {
	return &Main{}
}

// Run executes the program.
func (m *Main) Run(ctx context.Context, args []string) (err error) {
	// Extract command name.
	var cmd string
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "sync":
		return (&SyncCommand{}).Run(ctx, args)
	case "daemon":
		c := NewDaemonCommand()
		if err := c.ParseFlags(ctx, args); err != nil {
			return err
		}

		// Setup signal handler.
		signalCh := signalChan()

		if err := c.Run(ctx); err != nil {
			return err
		}

		// Wait for signal to stop program.
		select {
		case err = <-c.execCh:
			slog.Info("subprocess exited, ocsync shutting down")
		case sig := <-signalCh:
			slog.Info("signal received, ocsync shutting down")

			if c.cmd != nil {
				slog.Info("sending signal to exec process")
				if err := c.cmd.Process.Signal(sig); err != nil {
					return fmt.Errorf("cannot signal exec process: %w", err)
				}

				slog.Info("waiting for exec process to close")
				if err := <-c.execCh; err != nil && !strings.HasPrefix(err.Error(), "signal:") {
					return fmt.Errorf("cannot wait for exec process: %w", err)
				}
			}
		}

		// Gracefully close.
		if e := c.Close(); e != nil && err == nil {
			err = e
		}
		slog.Info("ocsync shut down")
		return err

	case "status":
		return (&StatusCommand{}).Run(ctx, args)
	case "version":
		return (&VersionCommand{}).Run(ctx, args)
	default:
		if cmd == "" || cmd == "help" || strings.HasPrefix(cmd, "-") {
			m.Usage()
			return flag.ErrHelp
		}
		return fmt.Errorf("ocsync %s: unknown command", cmd)
	}
}

// Usage prints the help screen to STDOUT.
func (m *Main) Usage() {
	fmt.Println(`
ocsync is a local cache engine for cloud photo albums and notifications.

Usage:

	ocsync <command> [arguments]

The commands are:

	daemon       runs the cache daemon with periodic sync
	status       prints the state of the local caches
	sync         runs one sync pass over all accounts
	version      prints the binary version
`[1:])
}

// Config represents a configuration file for the ocsync daemon.
type Config struct {
	// Directory holding the cache databases and artifact files.
	DataDir string `yaml:"data-dir"`

	// Bind address for serving status and metrics.
	Addr string `yaml:"addr"`

	// NATS server for cross-process change broadcasts. Empty selects the
	// sentinel-file transport.
	NATSURL string `yaml:"nats-url"`

	// Interval between background sync passes.
	SyncInterval *time.Duration `yaml:"sync-interval"`

	// Download manager limits.
	Download DownloadConfig `yaml:"download"`

	// Remote accounts to mirror.
	Accounts []*AccountConfig `yaml:"accounts"`

	// Subcommand to execute while the daemon runs.
	// ocsync will shutdown when subcommand exits.
	Exec string `yaml:"exec"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// DownloadConfig configures the artifact download manager.
type DownloadConfig struct {
	Concurrency int            `yaml:"concurrency"`
	IdleTimeout *time.Duration `yaml:"idle-timeout"`
	MaxSize     string         `yaml:"max-size"`
}

// AccountConfig represents one remote account.
type AccountConfig struct {
	ID          int    `yaml:"id"`
	URL         string `yaml:"url"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	UserID      string `yaml:"user-id"`
	DisplayName string `yaml:"display-name"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Type   string `yaml:"type"`
	Stderr bool   `yaml:"stderr"`
}

// DefaultConfig returns a new instance of Config with defaults set.
func DefaultConfig() Config {
	defaultSyncInterval := ocsync.DefaultSyncInterval
	defaultIdleTimeout := ocsync.DefaultDownloadIdleTimeout
	return Config{
		DataDir:      ocsync.DefaultDataDir(),
		SyncInterval: &defaultSyncInterval,
		Download: DownloadConfig{
			Concurrency: ocsync.DefaultDownloadConcurrency,
			IdleTimeout: &defaultIdleTimeout,
		},
	}
}

// Validate returns an error if config contains invalid settings.
func (c *Config) Validate() error {
	if c.SyncInterval != nil && *c.SyncInterval <= 0 {
		return &ConfigValidationError{
			Err:   ErrInvalidSyncInterval,
			Field: "sync-interval",
			Value: *c.SyncInterval,
		}
	}
	if n := c.Download.Concurrency; n < 0 || n > ocsync.MaxDownloadConcurrency {
		return &ConfigValidationError{
			Err:   ErrInvalidDownloadConcurrency,
			Field: "download.concurrency",
			Value: n,
		}
	}
	if t := c.Download.IdleTimeout; t != nil && (*t < ocsync.MinDownloadIdleTimeout || *t > ocsync.MaxDownloadIdleTimeout) {
		return &ConfigValidationError{
			Err:   ErrInvalidDownloadIdleTimeout,
			Field: "download.idle-timeout",
			Value: *t,
		}
	}
	if c.Download.MaxSize != "" {
		if n, err := humanize.ParseBytes(c.Download.MaxSize); err != nil || n == 0 {
			return &ConfigValidationError{
				Err:   ErrInvalidMaxDownloadSize,
				Field: "download.max-size",
				Value: c.Download.MaxSize,
			}
		}
	}

	ids := make(map[int]bool)
	for i, account := range c.Accounts {
		if account.URL == "" {
			return &ConfigValidationError{
				Err:   ErrAccountURLRequired,
				Field: fmt.Sprintf("accounts[%d].url", i),
			}
		}
		if account.UserID == "" {
			return &ConfigValidationError{
				Err:   ErrAccountUserRequired,
				Field: fmt.Sprintf("accounts[%d].user-id", i),
			}
		}
		if account.ID == 0 {
			account.ID = i + 1
		}
		if ids[account.ID] {
			return &ConfigValidationError{
				Err:   ErrDuplicateAccountID,
				Field: fmt.Sprintf("accounts[%d].id", i),
				Value: account.ID,
			}
		}
		ids[account.ID] = true
	}
	return nil
}

// MaxDownloadSize returns the configured size limit in bytes.
func (c *Config) MaxDownloadSize() int64 {
	if c.Download.MaxSize == "" {
		return ocsync.DefaultMaxDownloadSize
	}
	n, err := humanize.ParseBytes(c.Download.MaxSize)
	if err != nil {
		return ocsync.DefaultMaxDownloadSize
	}
	return int64(n)
}

// OpenConfigFile opens a configuration file and returns a reader.
// Expands the filename path if needed.
func OpenConfigFile(filename string) (io.ReadCloser, error) {
	filename, err := expand(filename)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filename)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrConfigFileNotFound, filename)
	} else if err != nil {
		return nil, err
	}
	return f, nil
}

// ReadConfigFile unmarshals config from filename. Expands path if needed.
// If expandEnv is true then environment variables are expanded in the config.
func ReadConfigFile(filename string, expandEnv bool) (Config, error) {
	f, err := OpenConfigFile(filename)
	if err != nil {
		return DefaultConfig(), err
	}
	defer f.Close()

	return ParseConfig(f, expandEnv)
}

// ParseConfig unmarshals config from a reader.
// If expandEnv is true then environment variables are expanded in the config.
func ParseConfig(r io.Reader, expandEnv bool) (_ Config, err error) {
	config := DefaultConfig()

	buf, err := io.ReadAll(r)
	if err != nil {
		return config, err
	}

	// Expand environment variables, if enabled.
	if expandEnv {
		buf = []byte(os.ExpandEnv(string(buf)))
	}

	// Save defaults before unmarshaling
	defaultSyncInterval := config.SyncInterval
	defaultIdleTimeout := config.Download.IdleTimeout

	if err := yaml.Unmarshal(buf, &config); err != nil {
		return config, err
	}

	// Restore defaults if they were overwritten with nil by empty YAML sections
	if config.SyncInterval == nil {
		config.SyncInterval = defaultSyncInterval
	}
	if config.Download.IdleTimeout == nil {
		config.Download.IdleTimeout = defaultIdleTimeout
	}
	if config.Download.Concurrency == 0 {
		config.Download.Concurrency = ocsync.DefaultDownloadConcurrency
	}
	if config.DataDir == "" {
		config.DataDir = ocsync.DefaultDataDir()
	}
	if config.DataDir, err = expand(config.DataDir); err != nil {
		return config, err
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return config, err
	}

	// Configure logging.
	logOutput := os.Stdout
	if config.Logging.Stderr {
		logOutput = os.Stderr
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	initLog(logOutput, config.Logging.Level, config.Logging.Type)

	return config, nil
}

// DefaultConfigPath returns the default config path.
func DefaultConfigPath() string {
	if v := os.Getenv("OCSYNC_CONFIG"); v != "" {
		return v
	}
	return "/etc/ocsync.yml"
}

func registerConfigFlag(fs *flag.FlagSet) (configPath *string, noExpandEnv *bool) {
	return fs.String("config", "", "config path"),
		fs.Bool("no-expand-env", false, "do not expand env vars in config")
}

// expand returns an absolute path for s.
func expand(s string) (string, error) {
	// Just expand to absolute path if there is no home directory prefix.
	prefix := "~" + string(os.PathSeparator)
	if s != "~" && !strings.HasPrefix(s, prefix) {
		return filepath.Abs(s)
	}

	// Look up home directory.
	u, err := user.Current()
	if err != nil {
		return "", err
	} else if u.HomeDir == "" {
		return "", fmt.Errorf("cannot expand path %s, no home directory available", s)
	}

	// Return path with tilde replaced by the home directory.
	if s == "~" {
		return u.HomeDir, nil
	}
	return filepath.Join(u.HomeDir, strings.TrimPrefix(s, prefix)), nil
}

func signalChan() <-chan os.Signal {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	return ch
}

func initLog(w io.Writer, level, typ string) {
	logOptions := slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	switch strings.ToUpper(level) {
	case "DEBUG":
		logOptions.Level = slog.LevelDebug
	case "INFO":
		logOptions.Level = slog.LevelInfo
	case "WARN", "WARNING":
		logOptions.Level = slog.LevelWarn
	case "ERROR":
		logOptions.Level = slog.LevelError
	}

	var logHandler slog.Handler
	switch typ {
	case "json":
		logHandler = slog.NewJSONHandler(w, &logOptions)
	case "text", "":
		logHandler = slog.NewTextHandler(w, &logOptions)
	}

	// Set global default logger.
	slog.SetDefault(slog.New(logHandler))
}
