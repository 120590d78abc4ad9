package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/mattn/go-shellwords"

	"github.com/ocsync/ocsync"
	ocsynchttp "github.com/ocsync/ocsync/http"
	"github.com/ocsync/ocsync/images"
	"github.com/ocsync/ocsync/posts"
	"github.com/ocsync/ocsync/webdav"
)

// DaemonCommand represents a command that keeps the local caches in sync
// with their accounts until stopped.
type DaemonCommand struct {
	cmd    *exec.Cmd  // subcommand
	execCh chan error // subcommand error channel

	Config Config

	store      *ocsync.Store
	downloader *ocsync.Downloader
	notifier   *ocsync.ChangeNotifier
	httpServer *ocsynchttp.Server
}

func NewDaemonCommand() *DaemonCommand {
	return &DaemonCommand{
		execCh: make(chan error),
	}
}

// ParseFlags parses the CLI flags and loads the configuration file.
func (c *DaemonCommand) ParseFlags(ctx context.Context, args []string) (err error) {
	fs := flag.NewFlagSet("ocsync-daemon", flag.ContinueOnError)
	execFlag := fs.String("exec", "", "execute subcommand")
	addrFlag := fs.String("addr", "", "bind address for status & metrics")
	configPath, noExpandEnv := registerConfigFlag(fs)
	fs.Usage = c.Usage
	if err := fs.Parse(args); err != nil {
		return err
	} else if fs.NArg() != 0 {
		return fmt.Errorf("too many arguments")
	}

	if *configPath == "" {
		*configPath = DefaultConfigPath()
	}
	if c.Config, err = ReadConfigFile(*configPath, !*noExpandEnv); err != nil {
		return err
	}

	// Override config settings, if specified.
	if *execFlag != "" {
		c.Config.Exec = *execFlag
	}
	if *addrFlag != "" {
		c.Config.Addr = *addrFlag
	}
	return nil
}

// Run opens the caches and starts the background sync monitor.
func (c *DaemonCommand) Run(ctx context.Context) (err error) {
	// Display version information.
	slog.Info("ocsync", "version", Version, "data-dir", c.Config.DataDir)

	c.downloader = ocsync.NewDownloader()
	if c.Config.Download.Concurrency > 0 {
		c.downloader.Concurrency = c.Config.Download.Concurrency
	}
	if c.Config.Download.IdleTimeout != nil {
		c.downloader.IdleTimeout = *c.Config.Download.IdleTimeout
	}
	c.downloader.MaxSize = c.Config.MaxDownloadSize()
	if err := c.downloader.Open(); err != nil {
		return fmt.Errorf("open downloader: %w", err)
	}

	c.notifier = ocsync.NewChangeNotifier(c.Config.DataDir)
	c.notifier.NATSURL = c.Config.NATSURL
	if err := c.notifier.Open(); err != nil {
		return fmt.Errorf("open notifier: %w", err)
	}

	imagesCache := images.NewCache(c.Config.DataDir, c.downloader, c.notifier)
	postsCache := posts.NewCache(c.Config.DataDir, c.downloader, c.notifier)
	for _, account := range c.Config.Accounts {
		client := webdav.NewClient(account.URL, account.Username, account.Password)
		imagesCache.Accounts = append(imagesCache.Accounts, images.Account{
			ID:          account.ID,
			UserID:      account.UserID,
			DisplayName: account.DisplayName,
			Lister:      client,
		})
		postsCache.Accounts = append(postsCache.Accounts, posts.Account{
			ID:     account.ID,
			Client: client,
		})
	}

	c.store = ocsync.NewStore([]ocsync.Cache{imagesCache, postsCache})
	if c.Config.SyncInterval != nil {
		c.store.SyncInterval = *c.Config.SyncInterval
	}
	c.store.MonitorEnabled = true
	if err := c.store.Open(ctx); err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	// Serve status & metrics, if enabled.
	if c.Config.Addr != "" {
		c.httpServer = ocsynchttp.NewServer(c.store, c.Config.Addr)
		if err := c.httpServer.Open(); err != nil {
			return fmt.Errorf("open http server: %w", err)
		}
		slog.Info("serving status & metrics", "url", c.httpServer.URL()+"/status")
	}

	// Parse exec commands args & start subprocess.
	if c.Config.Exec != "" {
		execArgs, err := shellwords.Parse(c.Config.Exec)
		if err != nil {
			return fmt.Errorf("cannot parse exec command: %w", err)
		}

		c.cmd = exec.CommandContext(ctx, execArgs[0], execArgs[1:]...)
		c.cmd.Env = os.Environ()
		c.cmd.Stdout = os.Stdout
		c.cmd.Stderr = os.Stderr
		if err := c.cmd.Start(); err != nil {
			return fmt.Errorf("cannot start exec command: %w", err)
		}
		go func() { c.execCh <- c.cmd.Wait() }()
	}

	return nil
}

// Close closes the caches and all supporting services.
func (c *DaemonCommand) Close() (err error) {
	if c.httpServer != nil {
		if e := c.httpServer.Close(); e != nil {
			slog.Error("error closing http server", "error", e)
			if err == nil {
				err = e
			}
		}
	}
	if c.store != nil {
		if e := c.store.Close(); e != nil {
			slog.Error("error closing store", "error", e)
			if err == nil {
				err = e
			}
		}
	}
	if c.notifier != nil {
		if e := c.notifier.Close(); e != nil {
			slog.Error("error closing notifier", "error", e)
			if err == nil {
				err = e
			}
		}
	}
	if c.downloader != nil {
		if e := c.downloader.Close(); e != nil {
			slog.Error("error closing downloader", "error", e)
			if err == nil {
				err = e
			}
		}
	}
	return err
}

// Usage prints the help screen to STDOUT.
func (c *DaemonCommand) Usage() {
	fmt.Printf(`
The daemon command opens the local caches and keeps them in sync with
their remote accounts until interrupted.

Usage:

	ocsync daemon [arguments]

Arguments:

	-addr ADDR
	    Bind address for serving cache status and metrics.

	-config PATH
	    Specifies the configuration file.
	    Defaults to %s

	-exec CMD
	    Executes a subcommand. ocsync will exit when the child
	    process exits. Useful for simple process management.

	-no-expand-env
	    Disables environment variable expansion in configuration file.

`[1:], DefaultConfigPath())
}
