package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/ocsync/ocsync"
	"github.com/ocsync/ocsync/images"
	"github.com/ocsync/ocsync/posts"
)

// StatusCommand represents a command that prints the on-disk state of
// the local caches.
type StatusCommand struct{}

// Run executes the command.
func (c *StatusCommand) Run(ctx context.Context, args []string) (err error) {
	fs := flag.NewFlagSet("ocsync-status", flag.ContinueOnError)
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

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "name\tpath\tsize\tmodified")
	for _, name := range []string{images.CacheName, posts.CacheName} {
		path := ocsync.DatabasePath(config.DataDir, name)
		fi, err := os.Stat(path)
		if os.IsNotExist(err) {
			fmt.Fprintf(w, "%s\t%s\t-\t-\n", name, path)
			continue
		} else if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			name, path, humanize.Bytes(uint64(fi.Size())), humanize.Time(fi.ModTime()))
	}
	return nil
}

// Usage prints the help screen to STDOUT.
func (c *StatusCommand) Usage() {
	fmt.Printf(`
The status command prints the on-disk state of the local caches.

Usage:

	ocsync status [arguments]

Arguments:

	-config PATH
	    Specifies the configuration file.
	    Defaults to %s

	-no-expand-env
	    Disables environment variable expansion in configuration file.

`[1:], DefaultConfigPath())
}
