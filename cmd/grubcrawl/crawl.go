package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/Rorqualx/grubcrawl/internal/browser"
	"github.com/Rorqualx/grubcrawl/internal/stats"
	"github.com/Rorqualx/grubcrawl/internal/types"
)

type crawlFlags struct {
	timeout        time.Duration
	userAgent      string
	waitLoad       bool
	screenshot     bool
	blockResources bool
	allowPrivate   bool
	withHTML       bool
	withStats      bool
	concurrency    int
}

// crawlReport wraps results when per-domain statistics are requested.
type crawlReport struct {
	Results any                          `json:"results"`
	Domains map[string]stats.DomainStats `json:"domains"`
}

func newCrawlCmd(a *app) *cobra.Command {
	var f crawlFlags
	cmd := &cobra.Command{
		Use:   "crawl URL [URL...]",
		Short: "Crawl one or more URLs and print the results as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.openEngine(cmd.Context()); err != nil {
				return err
			}
			defer a.close()
			return runCrawl(cmd, a.engine, args, f)
		},
	}
	fl := cmd.Flags()
	fl.DurationVar(&f.timeout, "timeout", 0, "Per-URL timeout including challenge resolution (0 sizes it from the navigation and solver settings)")
	fl.StringVar(&f.userAgent, "user-agent", "", "User agent when none is pinned for the domain")
	fl.BoolVar(&f.waitLoad, "wait-load", false, "Wait for the load event instead of DOMContentLoaded")
	fl.BoolVar(&f.screenshot, "screenshot", false, "Capture a PNG screenshot")
	fl.BoolVar(&f.blockResources, "block-resources", false, "Skip images, fonts and media")
	fl.BoolVar(&f.allowPrivate, "allow-private", false, "Allow loopback and private network targets")
	fl.BoolVar(&f.withHTML, "html", false, "Include the page HTML in the output")
	fl.BoolVar(&f.withStats, "stats", false, "Include per-domain crawl and challenge statistics")
	fl.IntVar(&f.concurrency, "concurrency", 0, "Parallel crawls for multiple URLs (default BATCH_CONCURRENCY)")
	return cmd
}

func runCrawl(cmd *cobra.Command, engine *browser.Engine, urls []string, f crawlFlags) error {
	if f.timeout <= 0 {
		f.timeout = engine.DefaultTimeout()
	}
	opts := browser.CrawlOptions{
		Timeout:        f.timeout,
		UserAgent:      f.userAgent,
		Wait:           types.WaitDOMContentLoaded,
		Screenshot:     f.screenshot,
		BlockResources: f.blockResources,
		AllowPrivate:   f.allowPrivate,
	}
	if f.waitLoad {
		opts.Wait = types.WaitLoad
	}

	ctx := cmd.Context()
	if err := engine.Start(ctx); err != nil {
		return err
	}

	if len(urls) == 1 {
		res, err := engine.Crawl(ctx, urls[0], opts)
		if err != nil {
			return err
		}
		if !f.withHTML {
			res.HTML = ""
		}
		return writeCrawlOutput(cmd, engine, res, f)
	}

	items := engine.CrawlBatch(ctx, urls, browser.BatchOptions{
		Concurrency: f.concurrency,
		Timeout:     f.timeout,
		Crawl:       opts,
	})
	if !f.withHTML {
		for _, it := range items {
			if it.Result != nil {
				it.Result.HTML = ""
			}
		}
	}
	return writeCrawlOutput(cmd, engine, items, f)
}

func writeCrawlOutput(cmd *cobra.Command, engine *browser.Engine, results any, f crawlFlags) error {
	if !f.withStats {
		return writeJSON(cmd.OutOrStdout(), results)
	}
	return writeJSON(cmd.OutOrStdout(), crawlReport{Results: results, Domains: engine.Stats().All()})
}
