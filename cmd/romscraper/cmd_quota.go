package main

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ryanm101/romscraper/catalog"
)

type quotaReport struct {
	Source         string    `json:"source"` // "service" or "local"
	Used           int       `json:"used"`
	Limit          int       `json:"limit"`
	Remaining      int       `json:"remaining"`
	MaxThreads     int       `json:"max_threads,omitempty"`
	LastDispatch   time.Time `json:"last_dispatch,omitzero"`
	ExhaustedUntil time.Time `json:"exhausted_until,omitzero"`
}

func handleQuotaCommand(ctx context.Context) {
	client, _, closeFn, err := openClient(ctx)
	if err != nil {
		PrintError("Error: %v\n", err)
		os.Exit(1)
	}
	defer closeFn()

	var report quotaReport
	if cfg.ScreenScraper.UserID != "" {
		user, err := client.UserInfo(ctx)
		if err != nil {
			PrintError("Warning: failed to query the service: %v\n", err)
		} else {
			report = quotaReport{
				Source:     "service",
				Used:       user.RequestsToday,
				Limit:      user.MaxRequestsPerDay,
				Remaining:  user.Remaining(),
				MaxThreads: user.MaxThreads,
			}
		}
	}

	snap := client.Quota()
	if report.Source == "" {
		report = quotaReport{Source: "local", Used: snap.Used, Limit: snap.Limit, Remaining: snap.Remaining}
	}
	if report.Limit <= 0 {
		report.Limit = -1
	}
	report.LastDispatch = snap.LastDispatch
	report.ExhaustedUntil = snap.ExhaustedUntil

	if outputCfg.JSON {
		PrintResult(report)
		return
	}

	rows := [][]string{
		{"source", report.Source},
		{"used", strconv.Itoa(report.Used)},
		{"limit", limitString(report.Limit)},
		{"remaining", limitString(report.Remaining)},
	}
	if report.MaxThreads > 0 {
		rows = append(rows, []string{"max threads", strconv.Itoa(report.MaxThreads)})
	}
	if !report.LastDispatch.IsZero() {
		rows = append(rows, []string{"last request", humanize.Time(report.LastDispatch)})
	}
	if !report.ExhaustedUntil.IsZero() && report.ExhaustedUntil.After(time.Now()) {
		rows = append(rows, []string{"blocked until", report.ExhaustedUntil.Format(time.RFC3339)})
	}
	PrintTable([]string{"QUOTA", "VALUE"}, rows)
}

// limitString formats a quota count; negative means no cap is known.
func limitString(n int) string {
	if n < 0 {
		return "unlimited"
	}
	return humanize.Comma(int64(n))
}

func handlePlatformsCommand() {
	names := catalog.PlatformNames()
	rows := make([][]string, 0, len(names))
	for _, name := range names {
		rows = append(rows, []string{name, strconv.Itoa(catalog.Platforms[name])})
	}
	PrintTable([]string{"PLATFORM", "SYSTEM ID"}, rows)
}
