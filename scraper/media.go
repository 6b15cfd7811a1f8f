package scraper

import (
	"context"
	"crypto/md5" //nolint:gosec // Integrity check against the catalog's published digest
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/ryanm101/romscraper/catalog"
	"github.com/ryanm101/romscraper/metrics"
)

// FetchMedia downloads one media asset to destPath. The body is streamed to
// destPath+".tmp" and renamed into place only on success, so a failed fetch
// never leaves a partial file behind.
func (c *Client) FetchMedia(ctx context.Context, rec *catalog.Record, desc catalog.MediaDescriptor, destPath string) error {
	op := operation{name: "fetch_media", endpoint: "media", timeout: c.cfg.MediaTimeout}
	if desc.URL != "" {
		op.rawURL = desc.URL
	} else {
		if rec == nil || rec.ID == "" {
			return fmt.Errorf("%w: media without url needs a game id", ErrInvalidArg)
		}
		op.endpoint = "mediaJeu.php"
		op.params = url.Values{}
		op.params.Set("jeuid", rec.ID)
		if rec.PlatformID > 0 {
			op.params.Set("systemeid", strconv.Itoa(rec.PlatformID))
		}
		media := desc.Category
		if desc.Region != "" {
			media += "(" + desc.Region + ")"
		}
		op.params.Set("media", media)
	}

	tmp := destPath + ".tmp"
	var written int64
	err := c.execute(ctx, op, func(resp *http.Response) error {
		if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/") {
			// The service answers some media misses with a 200 text body.
			text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			snippet := strings.TrimSpace(string(text))
			kind := c.cfg.Markers.match(resp.StatusCode, snippet)
			if kind == KindUnknown {
				kind = KindProtocol
			}
			return &Error{Kind: kind, Status: resp.StatusCode, Err: errors.New(summarize(snippet, "unexpected text response"))}
		}

		n, err := writeVerified(tmp, resp.Body, desc.MD5)
		if err != nil {
			_ = os.Remove(tmp)
			return err
		}
		written = n
		return nil
	})
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, destPath); err != nil {
		_ = os.Remove(tmp)
		return &Error{Kind: KindIO, Op: op.name, Err: err}
	}
	metrics.MediaBytes.Add(float64(written))
	c.logger.Debug("media saved", "path", destPath, "size", humanize.Bytes(uint64(written))) //nolint:gosec // non-negative
	return nil
}

// writeVerified streams r to path and checks the MD5 digest when one is known.
func writeVerified(path string, r io.Reader, wantMD5 string) (int64, error) {
	f, err := os.Create(path) //nolint:gosec // Destination chosen by caller
	if err != nil {
		return 0, &Error{Kind: KindIO, Err: err}
	}
	hasher := md5.New() //nolint:gosec
	n, err := io.Copy(io.MultiWriter(f, hasher), r)
	closeErr := f.Close()
	if err != nil {
		var pe *fs.PathError
		if errors.As(err, &pe) {
			return n, &Error{Kind: KindIO, Err: err}
		}
		return n, &Error{Kind: KindTransient, Err: fmt.Errorf("read body: %w", err)}
	}
	if closeErr != nil {
		return n, &Error{Kind: KindIO, Err: closeErr}
	}
	if wantMD5 != "" {
		if got := strings.ToUpper(hex.EncodeToString(hasher.Sum(nil))); !strings.EqualFold(got, wantMD5) {
			return n, &Error{Kind: KindProtocol, Err: fmt.Errorf("md5 mismatch: got %s, want %s", got, wantMD5)}
		}
	}
	return n, nil
}

// DownloadMedia fetches the best asset of each requested category into dir.
// Each category is independent: the result maps every requested category to
// whether its file was written. Categories the record has no media for are
// false and cost no request. A nil regions slice uses the configured order.
func (c *Client) DownloadMedia(ctx context.Context, rec *catalog.Record, categories []string, dir string, regions []string) map[string]bool {
	results := make(map[string]bool, len(categories))
	for _, category := range categories {
		results[category] = false
	}
	if rec == nil || len(categories) == 0 {
		return results
	}
	if regions == nil {
		regions = c.cfg.Regions
	}
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // Media directories are shared with frontends
		c.logger.Error("failed to create media directory", "dir", dir, "error", err)
		return results
	}

	for _, category := range categories {
		desc, ok := rec.Select(category, regions)
		if !ok {
			metrics.MediaDownloads.WithLabelValues(category, "missing").Inc()
			c.logger.Debug("no media for category", "game_id", rec.ID, "category", category)
			continue
		}

		dest := filepath.Join(dir, MediaFileName(rec, category, desc))
		if filepath.Dir(dest) != filepath.Clean(dir) {
			metrics.MediaDownloads.WithLabelValues(category, "failed").Inc()
			c.logger.Warn("media file name leaves destination directory", "game_id", rec.ID, "category", category, "path", dest)
			continue
		}
		if err := c.FetchMedia(ctx, rec, desc, dest); err != nil {
			metrics.MediaDownloads.WithLabelValues(category, "failed").Inc()
			c.logger.Warn("media download failed", "game_id", rec.ID, "category", category, "error", err)
			continue
		}
		metrics.MediaDownloads.WithLabelValues(category, "ok").Inc()
		results[category] = true
	}
	return results
}

// MediaFileName is the name DownloadMedia gives the asset desc of a record
// when requested under category: "<title>_<category>.<format>".
func MediaFileName(rec *catalog.Record, category string, desc catalog.MediaDescriptor) string {
	base := SafeName(rec.Name)
	if base == "" {
		base = SafeName(rec.ID)
	}
	return fmt.Sprintf("%s_%s.%s", base, SafeName(category), mediaExt(desc))
}

// mediaExt picks the file extension from the declared format, then the URL
// path, then "png". Candidates other than plain ASCII letters and digits are
// skipped.
func mediaExt(desc catalog.MediaDescriptor) string {
	if ext := strings.TrimPrefix(desc.Format, "."); validExt(ext) {
		return ext
	}
	if desc.URL != "" {
		if u, err := url.Parse(desc.URL); err == nil {
			if ext := strings.TrimPrefix(path.Ext(u.Path), "."); validExt(ext) && !strings.EqualFold(ext, "php") {
				return ext
			}
		}
	}
	return "png"
}

func validExt(ext string) bool {
	if ext == "" || len(ext) > 8 {
		return false
	}
	for _, r := range ext {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// SafeName reduces a title to characters that are safe in a file name on
// every platform: letters, digits, space, '-' and '_'. Accents are folded
// ("Pokémon" becomes "Pokemon").
func SafeName(name string) string {
	stripMarks := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(stripMarks, name)
	if err != nil {
		folded = name
	}
	var b strings.Builder
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
