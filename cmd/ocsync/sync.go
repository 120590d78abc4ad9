package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"

	"github.com/ocsync/ocsync"
	"github.com/ocsync/ocsync/images"
	"github.com/ocsync/ocsync/posts"
	"github.com/ocsync/ocsync/webdav"
)

// SyncCommand represents a command that runs one sync pass over every
// configured account and exits.
type SyncCommand struct{}

// Run executes the command.
func (c *SyncCommand) Run(ctx context.Context, args []string) (err error) {
	fs := flag.NewFlagSet("ocsync-sync", flag.ContinueOnError)
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
	config, err := ReadConfigFile(*configPath, !*noExpandEnv)
	if err != nil {
		return err
	}

	downloader := ocsync.NewDownloader()
	if config.Download.Concurrency > 0 {
		downloader.Concurrency = config.Download.Concurrency
	}
	if config.Download.IdleTimeout != nil {
		downloader.IdleTimeout = *config.Download.IdleTimeout
	}
	downloader.MaxSize = config.MaxDownloadSize()
	if err := downloader.Open(); err != nil {
		return fmt.Errorf("open downloader: %w", err)
	}
	defer downloader.Close()

	imagesCache := images.NewCache(config.DataDir, downloader, nil)
	postsCache := posts.NewCache(config.DataDir, downloader, nil)
	for _, account := range config.Accounts {
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

	store := ocsync.NewStore([]ocsync.Cache{imagesCache, postsCache})
	if err := store.Open(ctx); err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if e := store.Close(); e != nil && err == nil {
			err = e
		}
	}()

	if err := store.Sync(ctx); err != nil {
		return err
	}
	slog.Info("sync completed")
	return nil
}

// Usage prints the help screen to STDOUT.
func (c *SyncCommand) Usage() {
	fmt.Printf(`
The sync command runs one sync pass over every configured account.

Usage:

	ocsync sync [arguments]

Arguments:

	-config PATH
	    Specifies the configuration file.
	    Defaults to %s

	-no-expand-env
	    Disables environment variable expansion in configuration file.

`[1:], DefaultConfigPath())
}
