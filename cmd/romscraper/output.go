package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
)

// OutputConfig holds global output settings
type OutputConfig struct {
	JSON  bool
	Quiet bool
}

var outputCfg OutputConfig

// stdout is swapped in tests.
var stdout io.Writer = os.Stdout

// parseGlobalFlags extracts --json and --quiet from args, returns remaining args
func parseGlobalFlags(args []string) []string {
	var remaining []string
	for _, arg := range args {
		switch arg {
		case "--json":
			outputCfg.JSON = true
		case "--quiet", "-q":
			outputCfg.Quiet = true
		default:
			remaining = append(remaining, arg)
		}
	}
	return remaining
}

// PrintResult writes v as indented JSON, or as lines when it is text and JSON
// output is off.
func PrintResult(v any) {
	if !outputCfg.JSON {
		switch t := v.(type) {
		case string:
			_, _ = fmt.Fprintln(stdout, t)
			return
		case []string:
			_, _ = fmt.Fprintln(stdout, strings.Join(t, "\n"))
			return
		}
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// PrintTable writes rows under headers. In JSON mode each row becomes an
// object keyed by lower-cased header.
func PrintTable(headers []string, rows [][]string) {
	if outputCfg.JSON {
		objects := make([]map[string]string, 0, len(rows))
		for _, row := range rows {
			obj := make(map[string]string, len(headers))
			for i, h := range headers {
				if i < len(row) {
					obj[strings.ToLower(h)] = row[i]
				}
			}
			objects = append(objects, obj)
		}
		PrintResult(objects)
		return
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, strings.Join(headers, "\t"))
	rule := make([]string, len(headers))
	for i, h := range headers {
		rule[i] = strings.Repeat("-", len(h))
	}
	_, _ = fmt.Fprintln(w, strings.Join(rule, "\t"))
	for _, row := range rows {
		_, _ = fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	_ = w.Flush()
}

// PrintInfo prints a progress message unless quiet or in JSON mode.
func PrintInfo(format string, args ...any) {
	if !outputCfg.Quiet && !outputCfg.JSON {
		_, _ = fmt.Fprintf(stdout, format, args...)
	}
}

// PrintError prints error to stderr
func PrintError(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format, args...)
}

// splitList parses a comma separated flag value, dropping empty items.
func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func truncateString(s string, max int) string {
	r := []rune(s)
	if len(r) > max {
		return string(r[:max]) + "..."
	}
	return s
}
