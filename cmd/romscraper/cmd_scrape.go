package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"

	"github.com/ryanm101/romscraper/logging"
	"github.com/ryanm101/romscraper/metadata"
	"github.com/ryanm101/romscraper/scraper"
)

type scrapeArgs struct {
	platform    string
	files       []string
	media       []string
	out         string
	regions     []string
	metricsAddr string
}

// parseScrapeArgs reads "<platform> <file>... [--media a,b] [--out dir]
// [--regions us,eu] [--metrics addr]".
func parseScrapeArgs(args []string) (scrapeArgs, error) {
	var sa scrapeArgs
	var positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch arg {
		case "--media", "--out", "--regions", "--metrics":
			if i+1 >= len(args) {
				return sa, fmt.Errorf("%s requires a value", arg)
			}
			i++
			switch arg {
			case "--media":
				sa.media = splitList(args[i])
			case "--out":
				sa.out = args[i]
			case "--regions":
				sa.regions = splitList(args[i])
			case "--metrics":
				sa.metricsAddr = args[i]
			}
		default:
			positional = append(positional, arg)
		}
	}
	if len(positional) < 2 {
		return sa, errors.New("platform and at least one file are required")
	}
	sa.platform, sa.files = positional[0], positional[1:]
	return sa, nil
}

type scrapeSummary struct {
	Identified int                `json:"identified"`
	Unknown    int                `json:"unknown"`
	Errors     int                `json:"errors"`
	Results    []*metadata.Result `json:"results"`
}

func handleScrapeCommand(ctx context.Context, args []string) {
	sa, err := parseScrapeArgs(args)
	if err != nil {
		PrintError("Error: %v\n", err)
		fmt.Println("Usage: romscraper scrape <platform> <file>... [--media a,b] [--out dir] [--regions us,eu] [--metrics addr]")
		os.Exit(1)
	}
	if sa.media == nil {
		sa.media = cfg.GetMedia()
	}
	if sa.out == "" {
		sa.out = cfg.GetMediaDir()
	}

	if sa.metricsAddr != "" {
		serveMetrics(sa.metricsAddr)
	}

	client, database, closeFn, err := openClient(ctx)
	if err != nil {
		PrintError("Error: %v\n", err)
		os.Exit(1)
	}

	service := metadata.NewService(database, client, sa.out, metadata.Options{
		NegativeTTL: cfg.Cache.NegativeTTL,
		Regions:     cfg.GetRegionOrder(),
		Logger:      logging.Get(),
	})

	PrintInfo("Scraping %d file(s) for %s...\n", len(sa.files), sa.platform)

	var bar *progressbar.ProgressBar
	if !outputCfg.Quiet && !outputCfg.JSON {
		bar = progressbar.Default(int64(len(sa.files)), "Scraping")
	}

	summary := scrapeSummary{}
	start := time.Now()
	for _, path := range sa.files {
		if bar != nil {
			bar.Describe(truncateString(filepath.Base(path), 30))
		}

		res, err := service.ScrapeFile(ctx, path, sa.platform, sa.media, sa.regions)
		if bar != nil {
			_ = bar.Add(1)
		}
		if err != nil {
			summary.Errors++
			logging.Error("scrape failed", "file", path, "error", err)
			if errors.Is(err, scraper.ErrQuotaExceeded) || errors.Is(err, scraper.ErrInvalidArg) {
				break
			}
			continue
		}
		summary.Results = append(summary.Results, res)
		if res.Record != nil {
			summary.Identified++
		} else {
			summary.Unknown++
		}
	}

	if bar != nil {
		_ = bar.Finish()
		fmt.Println()
	}
	closeFn()

	if outputCfg.JSON {
		PrintResult(summary)
	} else if !outputCfg.Quiet {
		printScrapeTable(summary.Results)
		q := client.Quota()
		fmt.Printf("Done: %d identified, %d unknown, %d errors in %s (quota used %d, remaining %d).\n",
			summary.Identified, summary.Unknown, summary.Errors, time.Since(start).Round(time.Millisecond), q.Used, q.Remaining)
	}
	if summary.Errors > 0 {
		os.Exit(1)
	}
}

func printScrapeTable(results []*metadata.Result) {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		name, id := "-", "-"
		if r.Record != nil {
			name, id = r.Record.Name, r.Record.ID
		}
		got := 0
		for _, ok := range r.Media {
			if ok {
				got++
			}
		}
		cached := ""
		if r.Cached {
			cached = "yes"
		}
		rows = append(rows, []string{
			truncateString(filepath.Base(r.Path), 40),
			id,
			truncateString(name, 40),
			fmt.Sprintf("%d/%d", got, len(r.Media)),
			cached,
		})
	}
	PrintTable([]string{"FILE", "ID", "GAME", "MEDIA", "CACHED"}, rows)
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logging.Info("serving metrics", "addr", addr)
}
