// Package webdav implements the protocol client: album listings over
// WebDAV and notification events over the OCS JSON API.
package webdav

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/markusmobius/go-dateparser"
	"github.com/studio-b12/gowebdav"

	"github.com/ocsync/ocsync/images"
	"github.com/ocsync/ocsync/posts"
)

const (
	DefaultTimeout = 30 * time.Second

	// DefaultListingCacheSize bounds the etag-keyed listing cache.
	DefaultListingCacheSize = 256

	notificationsPath = "/ocs/v2.php/apps/notifications/api/v2/notifications"
)

var _ images.Lister = (*Client)(nil)
var _ posts.NotificationClient = (*Client)(nil)

// Client talks to one cloud server. Album listings go over WebDAV,
// notifications over the OCS endpoint. Safe for concurrent use.
type Client struct {
	mu     sync.Mutex
	client *gowebdav.Client

	// listings caches album listings keyed by path; an unchanged
	// directory etag serves the cached listing without a deep PROPFIND.
	listings *lru.Cache[string, cachedListing]

	httpClient *http.Client

	URL        string
	Username   string
	Password   string
	PhotosPath string
	Timeout    time.Duration
}

type cachedListing struct {
	etag    string
	listing images.Listing
}

// NewClient returns an unconnected client. The WebDAV connection is
// established lazily on first use.
func NewClient(serverURL, username, password string) *Client {
	listings, _ := lru.New[string, cachedListing](DefaultListingCacheSize)
	return &Client{
		listings:   listings,
		URL:        serverURL,
		Username:   username,
		Password:   password,
		PhotosPath: "/remote.php/dav/files",
		Timeout:    DefaultTimeout,
	}
}

// init initializes the connection and returns the WebDAV client.
func (c *Client) init(ctx context.Context) (_ *gowebdav.Client, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}
	if c.URL == "" {
		return nil, fmt.Errorf("webdav url required")
	}

	c.client = gowebdav.NewClient(c.URL, c.Username, c.Password)
	c.client.SetTimeout(c.Timeout)

	if err := c.client.Connect(); err != nil {
		c.client = nil
		return nil, fmt.Errorf("webdav: cannot connect to server: %w", err)
	}
	return c.client, nil
}

// ListAlbum lists one album directory: its direct sub-albums and
// contained photos. albumID is the path below the user's photo root;
// empty means the root itself.
func (c *Client) ListAlbum(ctx context.Context, userID, albumID string) (*images.Listing, error) {
	client, err := c.init(ctx)
	if err != nil {
		return nil, err
	}

	dir := path.Join(c.PhotosPath, userID, albumID)

	// A directory whose etag did not move since the last listing is
	// served from cache; the depth-0 stat is far cheaper than the full
	// PROPFIND.
	if cached, ok := c.listings.Get(dir); ok {
		if fi, err := client.Stat(dir); err == nil {
			if etag := fileETag(fi); etag != "" && etag == cached.etag {
				listing := cached.listing
				return &listing, nil
			}
		}
	}

	files, err := client.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) || gowebdav.IsErrNotFound(err) {
			return &images.Listing{}, nil
		}
		return nil, fmt.Errorf("webdav: cannot read directory %q: %w", dir, err)
	}

	var listing images.Listing
	for _, fi := range files {
		name := path.Base(fi.Name())
		if fi.IsDir() {
			listing.Albums = append(listing.Albums, images.RemoteAlbum{
				AlbumID:       path.Join(albumID, name),
				ParentAlbumID: albumID,
				AlbumName:     name,
				Etag:          fileETag(fi),
			})
			continue
		}
		if !isImage(fi) {
			continue
		}

		filePath := path.Join(dir, name)
		listing.Photos = append(listing.Photos, images.RemotePhoto{
			AlbumID:          albumID,
			PhotoID:          strings.TrimSuffix(name, path.Ext(name)),
			FileName:         name,
			AlbumPath:        albumID,
			CreatedTimestamp: fi.ModTime().UTC().Format(time.RFC3339),
			UpdatedTimestamp: fi.ModTime().UTC().Format(time.RFC3339),
			ThumbnailURL:     c.ThumbnailURL(filePath),
			ImageURL:         c.FileURL(filePath),
			FileSize:         int(fi.Size()),
			FileType:         strings.ToLower(strings.TrimPrefix(path.Ext(name), ".")),
			Etag:             fileETag(fi),
		})
	}

	if fi, err := client.Stat(dir); err == nil {
		if etag := fileETag(fi); etag != "" {
			c.listings.Add(dir, cachedListing{etag: etag, listing: listing})
		}
	}
	return &listing, nil
}

// FileURL returns the absolute download URL of one remote file.
func (c *Client) FileURL(filePath string) string {
	return strings.TrimSuffix(c.URL, "/") + filePath
}

// ThumbnailURL returns the server-side preview URL of one remote file.
func (c *Client) ThumbnailURL(filePath string) string {
	return strings.TrimSuffix(c.URL, "/") +
		"/index.php/core/preview.png?file=" + url.QueryEscape(filePath) + "&x=256&y=256&a=1"
}

// Notifications fetches the account's notification events from the OCS
// endpoint. Single attempt; the caller decides when to retry.
func (c *Client) Notifications(ctx context.Context) ([]posts.RemoteEvent, error) {
	var payload struct {
		OCS struct {
			Meta struct {
				StatusCode int `json:"statuscode"`
			} `json:"meta"`
			Data []struct {
				NotificationID int64  `json:"notification_id"`
				Subject        string `json:"subject"`
				Message        string `json:"message"`
				Link           string `json:"link"`
				Icon           string `json:"icon"`
				Datetime       string `json:"datetime"`
			} `json:"data"`
		} `json:"ocs"`
	}
	if err := c.ocs(ctx, http.MethodGet, notificationsPath, &payload); err != nil {
		return nil, err
	}
	if code := payload.OCS.Meta.StatusCode; code != http.StatusOK {
		return nil, fmt.Errorf("ocs: notifications returned status %d", code)
	}

	events := make([]posts.RemoteEvent, 0, len(payload.OCS.Data))
	for _, n := range payload.OCS.Data {
		events = append(events, posts.RemoteEvent{
			EventID:   strconv.FormatInt(n.NotificationID, 10),
			Subject:   n.Subject,
			Text:      n.Message,
			URL:       n.Link,
			ImageURL:  n.Icon,
			Timestamp: normalizeTimestamp(n.Datetime),
		})
	}
	return events, nil
}

// DeleteNotification acknowledges one dismissed event to the server.
func (c *Client) DeleteNotification(ctx context.Context, eventID string) error {
	return c.ocs(ctx, http.MethodDelete, notificationsPath+"/"+url.PathEscape(eventID), nil)
}

// DeleteAllNotifications acknowledges all dismissed events at once.
func (c *Client) DeleteAllNotifications(ctx context.Context) error {
	return c.ocs(ctx, http.MethodDelete, notificationsPath, nil)
}

// ocs performs one OCS API request, decoding the JSON body into out
// when non-nil.
func (c *Client) ocs(ctx context.Context, method, apiPath string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(c.URL, "/")+apiPath+"?format=json", nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.Username, c.Password)
	req.Header.Set("OCS-APIRequest", "true")
	req.Header.Set("Accept", "application/json")

	client := c.httpClient
	if client == nil {
		client = &http.Client{Timeout: c.Timeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("ocs: %s %s: %w", method, apiPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("ocs: %s %s returned %s", method, apiPath, resp.Status)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ocs: decode %s response: %w", apiPath, err)
	}
	return nil
}

// normalizeTimestamp parses a server-supplied timestamp leniently and
// renders it as RFC 3339. Unparseable input passes through unchanged so
// equality comparisons still work.
func normalizeTimestamp(s string) string {
	if s == "" {
		return ""
	}
	dt, err := dateparser.Parse(nil, s)
	if err != nil {
		return s
	}
	return dt.Time.UTC().Format(time.RFC3339)
}

// fileETag extracts the etag from a WebDAV directory entry.
func fileETag(fi os.FileInfo) string {
	f, ok := fi.(gowebdav.File)
	if !ok {
		return ""
	}
	return strings.Trim(f.ETag(), `"`)
}

// isImage reports whether the entry looks like a photo, by content type
// when the server supplies one, by extension otherwise.
func isImage(fi os.FileInfo) bool {
	if f, ok := fi.(gowebdav.File); ok && f.ContentType() != "" {
		return strings.HasPrefix(f.ContentType(), "image/")
	}
	ct := mime.TypeByExtension(path.Ext(fi.Name()))
	return strings.HasPrefix(ct, "image/")
}
