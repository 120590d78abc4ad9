package ocsync

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/nats-io/nats.go"
)

// NATS connection defaults for the change broadcast.
const (
	DefaultNotifySubjectPrefix = "ocsync.changed."
	DefaultNATSTimeout         = 5 * time.Second
	DefaultNATSReconnectWait   = 2 * time.Second
)

// sentinelExt marks touch files used by the filesystem fallback transport.
const sentinelExt = ".changed"

// ChangeNotifier broadcasts "this database changed" to sibling processes
// so they can reload without polling. The contract is topic-per-database,
// no payload, at-least-once; a process may observe its own broadcast.
//
// When a NATS URL is configured the broadcast rides a NATS subject.
// Otherwise a sentinel file per database is touched and watched with
// fsnotify.
type ChangeNotifier struct {
	mu   sync.Mutex
	subs map[int]func(name string)
	next int

	nc      *nats.Conn
	natsSub *nats.Subscription
	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
	closed  chan struct{}

	logger *slog.Logger

	// DataDir holds the sentinel files for the fallback transport.
	DataDir string

	// NATSURL selects the NATS transport when non-empty.
	NATSURL string
}

// NewChangeNotifier returns a new instance of ChangeNotifier.
func NewChangeNotifier(dataDir string) *ChangeNotifier {
	return &ChangeNotifier{
		subs:    make(map[int]func(string)),
		closed:  make(chan struct{}),
		logger:  slog.Default().WithGroup("notifier"),
		DataDir: dataDir,
	}
}

// Open connects the configured transport and starts delivering inbound
// broadcasts to subscribers.
func (n *ChangeNotifier) Open() error {
	if n.NATSURL != "" {
		return n.openNATS()
	}
	return n.openWatcher()
}

func (n *ChangeNotifier) openNATS() error {
	nc, err := nats.Connect(n.NATSURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(DefaultNATSReconnectWait),
		nats.Timeout(DefaultNATSTimeout),
	)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	n.nc = nc

	sub, err := nc.Subscribe(DefaultNotifySubjectPrefix+">", func(msg *nats.Msg) {
		n.deliver(strings.TrimPrefix(msg.Subject, DefaultNotifySubjectPrefix))
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("subscribe: %w", err)
	}
	n.natsSub = sub
	return nil
}

func (n *ChangeNotifier) openWatcher() error {
	if err := os.MkdirAll(n.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(n.DataDir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch data dir: %w", err)
	}
	n.watcher = watcher

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for {
			select {
			case <-n.closed:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(ev.Name, sentinelExt) {
					continue
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
					continue
				}
				n.deliver(strings.TrimSuffix(filepath.Base(ev.Name), sentinelExt))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				n.logger.Error("watch error", "error", err)
			}
		}
	}()
	return nil
}

// NotifyChanged broadcasts that the named database changed.
func (n *ChangeNotifier) NotifyChanged(name string) {
	if n.nc != nil {
		if err := n.nc.Publish(DefaultNotifySubjectPrefix+name, nil); err != nil {
			n.logger.Error("publish change", "db", name, "error", err)
		}
		return
	}

	// Touch the sentinel; content is irrelevant, only the event matters.
	path := filepath.Join(n.DataDir, name+sentinelExt)
	if err := os.WriteFile(path, []byte(time.Now().Format(time.RFC3339Nano)+"\n"), 0o600); err != nil {
		n.logger.Error("touch sentinel", "db", name, "error", err)
	}
}

// Subscribe registers fn for inbound broadcasts and returns an
// unsubscribe function. Delivery is at-least-once and may include this
// process's own broadcasts; handlers must tolerate spurious signals.
func (n *ChangeNotifier) Subscribe(fn func(name string)) (unsubscribe func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.next
	n.next++
	n.subs[id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}
}

func (n *ChangeNotifier) deliver(name string) {
	n.mu.Lock()
	fns := make([]func(string), 0, len(n.subs))
	for _, fn := range n.subs {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(name)
	}
}

// Close stops the transport.
func (n *ChangeNotifier) Close() (err error) {
	close(n.closed)
	if n.natsSub != nil {
		if e := n.natsSub.Unsubscribe(); e != nil && err == nil {
			err = e
		}
	}
	if n.nc != nil {
		n.nc.Close()
	}
	if n.watcher != nil {
		if e := n.watcher.Close(); e != nil && err == nil {
			err = e
		}
	}
	n.wg.Wait()
	return err
}
