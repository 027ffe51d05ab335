package browser

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const defaultBatchConcurrency = 3

// BatchOptions tunes CrawlBatch.
type BatchOptions struct {
	// Concurrency caps parallel crawls. Zero uses BATCH_CONCURRENCY.
	Concurrency int
	// Timeout bounds each URL separately. Zero uses DefaultTimeout.
	Timeout time.Duration
	// Crawl is applied to every URL. Its Timeout is replaced by Timeout.
	Crawl CrawlOptions
}

// BatchItem is the outcome for one URL of a batch.
type BatchItem struct {
	URL     string       `json:"url"`
	Success bool         `json:"success"`
	Result  *CrawlResult `json:"result,omitempty"`
	Error   string       `json:"error,omitempty"`
	Err     error        `json:"-"`
}

// CrawlBatch crawls urls with bounded concurrency. Items come back in
// input order; a failed URL never aborts the others.
func (e *Engine) CrawlBatch(ctx context.Context, urls []string, opts BatchOptions) []BatchItem {
	limit := opts.Concurrency
	if limit <= 0 {
		limit = e.cfg.BatchConcurrency
	}
	if limit <= 0 {
		limit = defaultBatchConcurrency
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.DefaultTimeout()
	}

	items := make([]BatchItem, len(urls))
	sem := semaphore.NewWeighted(int64(limit))
	eg := new(errgroup.Group)

	log.Info().Int("urls", len(urls)).Int("concurrency", limit).Msg("Starting batch crawl")
	for i, u := range urls {
		items[i].URL = u
		if err := sem.Acquire(ctx, 1); err != nil {
			items[i].Err = err
			items[i].Error = err.Error()
			continue
		}
		eg.Go(func() error {
			defer sem.Release(1)
			crawlOpts := opts.Crawl
			crawlOpts.Timeout = timeout
			res, err := e.Crawl(ctx, u, crawlOpts)
			if err != nil {
				items[i].Err = err
				items[i].Error = err.Error()
				return nil
			}
			items[i].Result = res
			items[i].Success = true
			return nil
		})
	}
	_ = eg.Wait()

	ok := 0
	for _, it := range items {
		if it.Success {
			ok++
		}
	}
	log.Info().Int("urls", len(urls)).Int("succeeded", ok).Msg("Batch crawl finished")
	return items
}
