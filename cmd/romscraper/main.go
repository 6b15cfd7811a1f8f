package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel/baggage"

	"github.com/ryanm101/romscraper/config"
	"github.com/ryanm101/romscraper/db"
	"github.com/ryanm101/romscraper/logging"
	"github.com/ryanm101/romscraper/tracing"
)

var cfg *config.Config

func main() {
	ctx := context.Background()

	// Credentials usually live in .env
	_ = godotenv.Load()

	m, _ := baggage.NewMember("app.version", "1.0.0")
	b, _ := baggage.New(m)
	ctx = baggage.ContextWithBaggage(ctx, b)

	var err error
	cfg, err = config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Warning: failed to load config: %v\n", err)
		cfg = config.DefaultConfig()
	}

	logging.Setup(cfg.LogConfig())

	shutdown, err := tracing.Setup(ctx, tracing.DefaultConfig())
	if err != nil {
		logging.Error("failed to setup tracing", "error", err)
		shutdown = func(context.Context) error { return nil }
	}
	defer func() {
		if err := shutdown(ctx); err != nil {
			logging.Error("failed to shutdown tracing", "error", err)
		}
	}()

	args := parseGlobalFlags(os.Args[1:])

	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "hash":
		if len(args) < 2 {
			fmt.Println("Usage: romscraper hash <file>...")
			os.Exit(1)
		}
		handleHashCommand(ctx, args[1:])
	case "identify":
		if len(args) < 3 {
			fmt.Println("Usage: romscraper identify <file> <platform>")
			os.Exit(1)
		}
		handleIdentifyCommand(ctx, args[1:])
	case "search":
		if len(args) < 3 {
			fmt.Println("Usage: romscraper search <name> <platform>")
			os.Exit(1)
		}
		handleSearchCommand(ctx, args[1:])
	case "lookup":
		if len(args) < 2 {
			fmt.Println("Usage: romscraper lookup <game_id>")
			os.Exit(1)
		}
		handleLookupCommand(ctx, args[1:])
	case "scrape":
		handleScrapeCommand(ctx, args[1:])
	case "quota":
		handleQuotaCommand(ctx)
	case "platforms":
		handlePlatformsCommand()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("romscraper - ROM identification and media scraper")
	fmt.Println()
	fmt.Println("Usage: romscraper [global options] <command> [options]")
	fmt.Println()
	fmt.Println("Global Options:")
	fmt.Println("  --json                              Output in JSON format")
	fmt.Println("  --quiet, -q                         Suppress non-error output")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  hash <file>...                      Print MD5, SHA1 and CRC32 of ROM files")
	fmt.Println("  identify <file> <platform>          Identify a ROM by its hashes")
	fmt.Println("  search <name> <platform>            Search the catalog by game name")
	fmt.Println("  lookup <game_id>                    Fetch a game by catalog id")
	fmt.Println("  scrape <platform> <file>...         Identify ROMs and download media")
	fmt.Println("         [--media a,b] [--out dir] [--regions us,eu] [--metrics addr]")
	fmt.Println("  quota                               Show request quota")
	fmt.Println("  platforms                           List supported platforms")
	fmt.Println("  help                                Show this help")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  SCREENSCRAPER_DEV_ID                Developer id")
	fmt.Println("  SCREENSCRAPER_DEV_PASSWORD          Developer password")
	fmt.Println("  SCREENSCRAPER_USER_ID               User id (optional, raises quota)")
	fmt.Println("  SCREENSCRAPER_USER_PASSWORD         User password")
	fmt.Println("  ROMSCRAPER_DB                       Database path (default: romscraper.db)")
	fmt.Println("  ROMSCRAPER_MEDIA_DIR                Media directory (default: media)")
	fmt.Println("  ROMSCRAPER_CONFIG                   Config file path")
}

func openDB(ctx context.Context) (*db.DB, error) {
	return db.Open(ctx, cfg.GetDBPath())
}
