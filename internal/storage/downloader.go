package storage

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// maxDownloadBytes bounds a single output download (64 MiB).
const maxDownloadBytes = 64 << 20

// Downloader fetches generation output URLs and stores them in a FileStore.
// It satisfies the orchestrator's Downloader contract.
type Downloader struct {
	store      *FileStore
	httpClient *http.Client
}

// NewDownloader builds a Downloader over the given store. A nil httpClient
// gets a default with a 60s timeout.
func NewDownloader(store *FileStore, httpClient *http.Client) *Downloader {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Downloader{store: store, httpClient: httpClient}
}

// Fetch downloads rawURL and writes it under
// products/<generationID>/output-<index>.<ext>. It returns the stored
// path, the byte size and the detected format.
func (d *Downloader) Fetch(ctx context.Context, generationID, rawURL string, index int) (string, int64, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", 0, "", fmt.Errorf("storage: build request: %w", err)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", 0, "", fmt.Errorf("storage: download output: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, "", fmt.Errorf("storage: download output: http %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		return "", 0, "", fmt.Errorf("storage: read output: %w", err)
	}
	if len(data) > maxDownloadBytes {
		return "", 0, "", fmt.Errorf("storage: output exceeds %d bytes", maxDownloadBytes)
	}

	format := detectFormat(rawURL, resp.Header.Get("Content-Type"))
	ext := format
	if ext == "" {
		ext = "bin"
	}
	key := fmt.Sprintf("products/%s/output-%02d.%s", generationID, index+1, ext)
	stored, err := d.store.Write(ctx, key, data)
	if err != nil {
		return "", 0, "", err
	}
	return stored, int64(len(data)), format, nil
}

// detectFormat prefers the URL's file extension and falls back to the
// response content type.
func detectFormat(rawURL, contentType string) string {
	if u, err := url.Parse(rawURL); err == nil {
		if ext := strings.TrimPrefix(path.Ext(u.Path), "."); ext != "" {
			return strings.ToLower(ext)
		}
	}
	if contentType != "" {
		if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
			if idx := strings.Index(mediaType, "/"); idx >= 0 {
				sub := mediaType[idx+1:]
				if sub == "jpeg" {
					return "jpg"
				}
				return sub
			}
		}
	}
	return ""
}
