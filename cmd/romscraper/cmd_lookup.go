package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/ryanm101/romscraper/catalog"
	"github.com/ryanm101/romscraper/fingerprint"
	"github.com/ryanm101/romscraper/scraper"
)

type hashResult struct {
	File  string `json:"file"`
	Size  int64  `json:"size"`
	MD5   string `json:"md5"`
	SHA1  string `json:"sha1"`
	CRC32 string `json:"crc32"`
}

func handleHashCommand(_ context.Context, args []string) {
	var results []hashResult
	failed := false
	for _, path := range args {
		fp, size, err := fingerprint.File(path)
		if err != nil {
			PrintError("Error: %v\n", err)
			failed = true
			continue
		}
		results = append(results, hashResult{File: path, Size: size, MD5: fp.MD5, SHA1: fp.SHA1, CRC32: fp.CRC32})
	}

	if outputCfg.JSON {
		PrintResult(results)
	} else {
		rows := make([][]string, 0, len(results))
		for _, r := range results {
			rows = append(rows, []string{r.File, humanize.Bytes(uint64(r.Size)), r.CRC32, r.MD5, r.SHA1}) //nolint:gosec // sizes are non-negative
		}
		PrintTable([]string{"FILE", "SIZE", "CRC32", "MD5", "SHA1"}, rows)
	}
	if failed {
		os.Exit(1)
	}
}

func handleIdentifyCommand(ctx context.Context, args []string) {
	path, platform := args[0], args[1]
	withClient(ctx, func(client *scraper.Client) (*catalog.Record, error) {
		return client.SearchByFile(ctx, path, platform)
	})
}

func handleSearchCommand(ctx context.Context, args []string) {
	name, platform := args[0], args[1]
	withClient(ctx, func(client *scraper.Client) (*catalog.Record, error) {
		return client.SearchByName(ctx, name, platform)
	})
}

func handleLookupCommand(ctx context.Context, args []string) {
	id := args[0]
	withClient(ctx, func(client *scraper.Client) (*catalog.Record, error) {
		return client.SearchByID(ctx, id)
	})
}

// withClient runs one catalog query and prints the record it returns.
func withClient(ctx context.Context, query func(*scraper.Client) (*catalog.Record, error)) {
	client, _, closeFn, err := openClient(ctx)
	if err != nil {
		PrintError("Error: %v\n", err)
		os.Exit(1)
	}

	rec, err := query(client)
	closeFn()
	if err != nil {
		if errors.Is(err, scraper.ErrNotFound) {
			PrintInfo("No match found.\n")
			os.Exit(2)
		}
		PrintError("Error: %v\n", err)
		os.Exit(1)
	}
	printRecord(rec)
}

func printRecord(rec *catalog.Record) {
	if outputCfg.JSON {
		PrintResult(rec)
		return
	}

	fmt.Printf("Game:       %s (id %s)\n", rec.Name, rec.ID)
	if rec.PlatformName != "" {
		fmt.Printf("Platform:   %s\n", rec.PlatformName)
	}
	if rec.Publisher != "" {
		fmt.Printf("Publisher:  %s\n", rec.Publisher)
	}
	if rec.Developer != "" {
		fmt.Printf("Developer:  %s\n", rec.Developer)
	}
	if rec.ReleaseDate != "" {
		fmt.Printf("Released:   %s\n", rec.ReleaseDate)
	}
	if rec.Genre != "" {
		fmt.Printf("Genre:      %s\n", rec.Genre)
	}
	if p := rec.Players.String(); p != "" {
		fmt.Printf("Players:    %s\n", p)
	}
	if rec.Rating > 0 {
		fmt.Printf("Rating:     %.0f/20\n", rec.Rating)
	}
	if rec.Description != "" {
		fmt.Println()
		fmt.Println(truncateString(rec.Description, 400))
	}
	if cats := rec.Categories(); len(cats) > 0 {
		fmt.Println()
		fmt.Printf("Media:      %v\n", cats)
	}
}
