package blocklist

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"dns-agent/pkg/logging"
)

// Downloader fetches remote blocklists over HTTP.
type Downloader struct {
	client *http.Client
	logger *logging.Logger
}

// NewDownloader creates a downloader. If client is nil a default client with
// a long timeout for large list files is used.
func NewDownloader(logger *logging.Logger, client *http.Client) *Downloader {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Downloader{client: client, logger: logger}
}

// Download fetches one list and returns its patterns keyed by pattern with
// the URL as source tag.
func (d *Downloader) Download(ctx context.Context, url string) (map[string]string, error) {
	d.logger.Info("Downloading blocklist", "url", url)
	startTime := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download blocklist: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	patterns := make(map[string]string)
	count, err := ParseReader(resp.Body, url, func(pattern, source string) {
		patterns[pattern] = source
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse blocklist: %w", err)
	}

	d.logger.Info("Blocklist downloaded",
		"url", url,
		"patterns", count,
		"duration", time.Since(startTime))

	return patterns, nil
}

// DownloadAll fetches every URL and merges the results. A failing source is
// logged and skipped so one dead mirror does not lose the rest.
func (d *Downloader) DownloadAll(ctx context.Context, urls []string) map[string]string {
	merged := make(map[string]string)
	if len(urls) == 0 {
		return merged
	}

	startTime := time.Now()
	for i, url := range urls {
		d.logger.Info("Downloading blocklist", "index", i+1, "total", len(urls), "url", url)

		patterns, err := d.Download(ctx, url)
		if err != nil {
			d.logger.Error("Failed to download blocklist", "url", url, "error", err)
			continue
		}
		for pattern, source := range patterns {
			merged[pattern] = source
		}
	}

	d.logger.Info("All blocklists downloaded",
		"total_patterns", len(merged),
		"duration", time.Since(startTime))

	return merged
}
