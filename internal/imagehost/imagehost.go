// Package imagehost re-hosts retailer CDN images on our own storage so
// product pages never hotlink third-party URLs.
package imagehost

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// maxImageBytes caps a single download; retailer product shots are far
// smaller than this.
const maxImageBytes = 10 << 20

// Client uploads images by URL into an S3-compatible storage bucket over
// its REST surface. A zero-value client is disabled and uploads no-op.
type Client struct {
	baseURL string
	bucket  string
	apiKey  string
	http    *http.Client
}

// New builds a client. Empty baseURL disables hosting: UploadFromURL
// then returns an empty URL with no error, and callers keep the source
// URL instead.
func New(baseURL, bucket, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		bucket:  bucket,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Enabled reports whether the client is configured to upload.
func (c *Client) Enabled() bool { return c != nil && c.baseURL != "" }

// UploadFromURL downloads sourceURL and stores it under a deterministic
// name derived from the product id and content hash. It returns the
// public URL of the stored object.
func (c *Client) UploadFromURL(ctx context.Context, sourceURL, productID, role string) (string, error) {
	if !c.Enabled() {
		return "", nil
	}

	var body []byte
	download := func() error {
		var err error
		body, err = c.fetch(ctx, sourceURL)
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(download, policy); err != nil {
		return "", fmt.Errorf("download %s: %w", sourceURL, err)
	}

	sum := sha256.Sum256(body)
	name := fmt.Sprintf("%s/%s_%s%s",
		productID, role, hex.EncodeToString(sum[:])[:12], extensionOf(sourceURL))

	objectURL := fmt.Sprintf("%s/storage/v1/object/%s/%s", c.baseURL, c.bucket, name)
	upload := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, objectURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", contentTypeOf(sourceURL))
		req.Header.Set("x-upsert", "true")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusConflict:
			// Already stored under the same content hash.
			return nil
		case resp.StatusCode >= 500:
			return fmt.Errorf("storage returned %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("storage returned %d", resp.StatusCode))
		}
	}
	policy = backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(upload, policy); err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}

	public := fmt.Sprintf("%s/storage/v1/object/public/%s/%s", c.baseURL, c.bucket, name)
	log.Debug().Str("source", sourceURL).Str("hosted", public).Msg("🖼️ image hosted")
	return public, nil
}

func (c *Client) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("source returned %d", resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
}

func extensionOf(url string) string {
	url = strings.SplitN(url, "?", 2)[0]
	switch ext := strings.ToLower(path.Ext(url)); ext {
	case ".jpg", ".jpeg", ".png", ".webp", ".gif":
		return ext
	default:
		return ".jpg"
	}
}

func contentTypeOf(url string) string {
	switch extensionOf(url) {
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	default:
		return "image/jpeg"
	}
}
