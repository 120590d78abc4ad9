package ocsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/ocsync/ocsync/internal"
)

// Downloader defaults. Concurrency may be raised to at most
// MaxDownloadConcurrency by configuration.
const (
	DefaultDownloadConcurrency = 4
	MaxDownloadConcurrency     = 10

	DefaultDownloadIdleTimeout = 30 * time.Second
	MinDownloadIdleTimeout     = 20 * time.Second
	MaxDownloadIdleTimeout     = 60 * time.Second

	DefaultMaxDownloadSize = 64 << 20 // 64MB

	downloadQueueSize = 256
)

// ErrDownloaderClosed is returned for requests submitted after Close.
var ErrDownloaderClosed = errors.New("ocsync: downloader closed")

// DownloadRequest describes one artifact fetch. Token is the caller's
// idempotency token: it is echoed back verbatim in the result so
// overlapping requests for different logical resources cannot
// cross-deliver. Header carries the caller's request template
// (authorization, user agent).
type DownloadRequest struct {
	Token  string
	URL    string
	Path   string
	Header http.Header
}

// DownloadResult reports the outcome of one request. Path is set only on
// success; Err carries the per-artifact failure otherwise.
type DownloadResult struct {
	Token string
	Path  string
	Err   error
}

// Downloader fetches remote artifacts to local files with bounded
// concurrency. Every write is atomic: a failed or timed-out download
// never leaves a partial file on disk. Failures are per-artifact and are
// reported to the requester, never escalated.
type Downloader struct {
	mu     sync.Mutex
	queue  chan *queuedDownload
	g      *errgroup.Group
	gctx   context.Context
	cancel func()
	wg     sync.WaitGroup
	closed bool

	client *http.Client
	logger *slog.Logger

	// Maximum number of concurrently active downloads.
	Concurrency int

	// IdleTimeout forces failure when no body bytes arrive for this long.
	IdleTimeout time.Duration

	// MaxSize rejects artifacts larger than this many bytes.
	MaxSize int64
}

type queuedDownload struct {
	req DownloadRequest
	cb  func(DownloadResult)
}

// NewDownloader returns a new instance of Downloader. Call Open to start
// the dispatch loop.
func NewDownloader() *Downloader {
	return &Downloader{
		queue:       make(chan *queuedDownload, downloadQueueSize),
		client:      &http.Client{},
		logger:      slog.Default().WithGroup("downloader"),
		Concurrency: DefaultDownloadConcurrency,
		IdleTimeout: DefaultDownloadIdleTimeout,
		MaxSize:     DefaultMaxDownloadSize,
	}
}

// Open validates settings and starts the dispatcher.
func (d *Downloader) Open() error {
	if d.Concurrency < 1 || d.Concurrency > MaxDownloadConcurrency {
		return fmt.Errorf("download concurrency %d out of range [1,%d]", d.Concurrency, MaxDownloadConcurrency)
	}
	if d.IdleTimeout < MinDownloadIdleTimeout || d.IdleTimeout > MaxDownloadIdleTimeout {
		return fmt.Errorf("download idle timeout %s out of range [%s,%s]", d.IdleTimeout, MinDownloadIdleTimeout, MaxDownloadIdleTimeout)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.g, d.gctx = errgroup.WithContext(ctx)
	d.g.SetLimit(d.Concurrency)

	d.wg.Add(1)
	go func() { defer d.wg.Done(); d.dispatch() }()
	return nil
}

func (d *Downloader) dispatch() {
	for {
		select {
		case <-d.gctx.Done():
			for {
				select {
				case q := <-d.queue:
					q.cb(DownloadResult{Token: q.req.Token, Err: ErrDownloaderClosed})
				default:
					return
				}
			}
		case q := <-d.queue:
			// Go blocks here when Concurrency downloads are active,
			// which is exactly the at-most-N invariant.
			d.g.Go(func() error {
				d.run(q)
				return nil
			})
		}
	}
}

// Enqueue submits a request. cb is invoked exactly once, from the
// download goroutine, with the final path or the per-artifact error.
func (d *Downloader) Enqueue(req DownloadRequest, cb func(DownloadResult)) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		cb(DownloadResult{Token: req.Token, Err: ErrDownloaderClosed})
		return
	}

	select {
	case d.queue <- &queuedDownload{req: req, cb: cb}:
	case <-d.gctx.Done():
		cb(DownloadResult{Token: req.Token, Err: ErrDownloaderClosed})
	}
}

func (d *Downloader) run(q *queuedDownload) {
	internal.DownloadActiveGauge.Inc()
	defer internal.DownloadActiveGauge.Dec()

	path, n, err := d.fetch(q.req)
	if err != nil {
		internal.DownloadTotalCounterVec.WithLabelValues("error").Inc()
		d.logger.Debug("download failed", "url", q.req.URL, "error", err)
		q.cb(DownloadResult{Token: q.req.Token, Err: err})
		return
	}

	internal.DownloadTotalCounterVec.WithLabelValues("ok").Inc()
	internal.DownloadBytesCounter.Add(float64(n))
	d.logger.Debug("downloaded", "url", q.req.URL, "size", humanize.Bytes(uint64(n)))
	q.cb(DownloadResult{Token: q.req.Token, Path: path})
}

// fetch performs the HTTP GET with an inactivity deadline that re-arms on
// every read of body bytes.
func (d *Downloader) fetch(req DownloadRequest) (string, int64, error) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(d.gctx))
	defer cancel()

	timer := time.AfterFunc(d.IdleTimeout, cancel)
	defer timer.Stop()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return "", 0, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range req.Header {
		httpReq.Header[k] = vs
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return "", 0, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("unexpected status %s", resp.Status)
	}
	if resp.ContentLength > 0 && resp.ContentLength > d.MaxSize {
		return "", 0, fmt.Errorf("artifact too large: %s", humanize.Bytes(uint64(resp.ContentLength)))
	}

	f, err := internal.CreateAtomicFile(req.Path)
	if err != nil {
		return "", 0, fmt.Errorf("create file: %w", err)
	}
	defer f.Discard()

	counter := internal.NewReadCounter(&idleResetReader{r: resp.Body, timer: timer, d: d.IdleTimeout})
	if _, err := io.Copy(f, io.LimitReader(counter, d.MaxSize+1)); err != nil {
		if ctx.Err() != nil {
			return "", 0, fmt.Errorf("download stalled for %s", d.IdleTimeout)
		}
		return "", 0, fmt.Errorf("read body: %w", err)
	}
	if counter.N() > d.MaxSize {
		return "", 0, fmt.Errorf("artifact too large: exceeds %s", humanize.Bytes(uint64(d.MaxSize)))
	}

	if err := f.Commit(); err != nil {
		return "", 0, fmt.Errorf("commit file: %w", err)
	}
	return req.Path, counter.N(), nil
}

// idleResetReader re-arms the inactivity timer on every successful read.
type idleResetReader struct {
	r     io.Reader
	timer *time.Timer
	d     time.Duration
}

func (r *idleResetReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.timer.Reset(r.d)
	}
	return n, err
}

// Close stops accepting requests and waits for active downloads to
// finish or hit their inactivity deadline.
func (d *Downloader) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
	return d.g.Wait()
}
