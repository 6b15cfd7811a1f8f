// Package metadata ties the catalog client to local storage: identify a ROM
// once, remember the answer, and keep its media on disk.
package metadata

import (
	"archive/zip"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ryanm101/romscraper/catalog"
	"github.com/ryanm101/romscraper/db"
	"github.com/ryanm101/romscraper/fingerprint"
	"github.com/ryanm101/romscraper/logging"
	"github.com/ryanm101/romscraper/scraper"
)

// DefaultNegativeTTL is how long a catalog miss is remembered.
const DefaultNegativeTTL = 7 * 24 * time.Hour

// Catalog identifies ROMs and downloads their media. *scraper.Client
// implements it.
type Catalog interface {
	SearchByFingerprint(ctx context.Context, fp fingerprint.Fingerprint, name string, size int64, platform string) (*catalog.Record, error)
	DownloadMedia(ctx context.Context, rec *catalog.Record, categories []string, dir string, regions []string) map[string]bool
}

// Store caches lookups, records and the media index. *db.DB implements it.
type Store interface {
	GetLookup(ctx context.Context, sha1 string) (*db.Lookup, error)
	SaveLookup(ctx context.Context, l db.Lookup) error
	GetRecord(ctx context.Context, gameID string) (*catalog.Record, error)
	SaveRecord(ctx context.Context, rec *catalog.Record) error
	GetMedia(ctx context.Context, gameID string) (map[string]db.MediaFile, error)
	SaveMedia(ctx context.Context, m db.MediaFile) error
}

// Options tunes a Service. Zero values take defaults.
type Options struct {
	NegativeTTL time.Duration
	Regions     []string
	Logger      *slog.Logger
	Now         func() time.Time
}

// Service scrapes ROM files: it identifies them through the catalog, caches
// what it learns so the quota is spent once per ROM, and fetches media.
type Service struct {
	store       Store
	catalog     Catalog
	mediaRoot   string
	negativeTTL time.Duration
	regions     []string
	logger      *slog.Logger
	now         func() time.Time
}

// Result describes one scraped file. Record is nil when the catalog does not
// know the ROM.
type Result struct {
	Path        string
	Entry       string // Member hashed inside a zip archive, if any
	Fingerprint fingerprint.Fingerprint
	Record      *catalog.Record
	Cached      bool              // Identification came from the store
	Media       map[string]bool   // Requested category -> file present
	MediaPaths  map[string]string // Category -> local file
}

// NewService creates a new scrape service.
func NewService(store Store, cat Catalog, mediaRoot string, opts Options) *Service {
	s := &Service{
		store:       store,
		catalog:     cat,
		mediaRoot:   mediaRoot,
		negativeTTL: opts.NegativeTTL,
		regions:     opts.Regions,
		logger:      logging.Component(opts.Logger, "metadata"),
		now:         opts.Now,
	}
	if s.negativeTTL <= 0 {
		s.negativeTTL = DefaultNegativeTTL
	}
	if s.regions == nil {
		s.regions = scraper.DefaultRegions
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// ScrapeFile identifies the ROM at path and downloads the requested media
// categories into <mediaRoot>/<platform>/. A nil regions slice uses the
// service default.
func (s *Service) ScrapeFile(ctx context.Context, path, platform string, categories, regions []string) (*Result, error) {
	platformID, ok := catalog.PlatformID(platform)
	if !ok {
		return nil, fmt.Errorf("%w: unknown platform %q", scraper.ErrInvalidArg, platform)
	}
	platform = strings.ToLower(strings.TrimSpace(platform))
	if regions == nil {
		regions = s.regions
	}

	res := &Result{Path: path, Media: map[string]bool{}, MediaPaths: map[string]string{}}
	fp, name, size, err := s.hash(path)
	if err != nil {
		return nil, err
	}
	res.Fingerprint = fp
	if name != filepath.Base(path) {
		res.Entry = name
	}

	rec, cached, err := s.identify(ctx, fp, name, size, platform, platformID)
	if err != nil {
		return nil, err
	}
	res.Record, res.Cached = rec, cached
	if rec == nil || len(categories) == 0 {
		for _, c := range categories {
			res.Media[c] = false
		}
		return res, nil
	}

	if err := s.fetchMedia(ctx, res, platform, categories, regions); err != nil {
		return res, err
	}
	return res, nil
}

// hash fingerprints a plain file, or the first file inside a zip archive.
func (s *Service) hash(path string) (fingerprint.Fingerprint, string, int64, error) {
	if strings.EqualFold(filepath.Ext(path), ".zip") {
		entry, err := firstZipEntry(path)
		if err != nil {
			return fingerprint.Fingerprint{}, "", 0, &scraper.Error{Kind: scraper.KindIO, Op: "hash_file", Err: err}
		}
		fp, size, err := fingerprint.ZipEntry(path, entry)
		if err != nil {
			return fingerprint.Fingerprint{}, "", 0, &scraper.Error{Kind: scraper.KindIO, Op: "hash_file", Err: err}
		}
		return fp, entry, size, nil
	}
	fp, size, err := fingerprint.File(path)
	if err != nil {
		return fingerprint.Fingerprint{}, "", 0, &scraper.Error{Kind: scraper.KindIO, Op: "hash_file", Err: err}
	}
	return fp, filepath.Base(path), size, nil
}

func firstZipEntry(path string) (string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = r.Close() }()
	for _, f := range r.File {
		if !f.FileInfo().IsDir() {
			return f.Name, nil
		}
	}
	return "", fmt.Errorf("%s: archive has no files", path)
}

// identify returns the record for a fingerprint, consulting the store before
// spending quota. A nil record with a nil error means the catalog has no match.
func (s *Service) identify(ctx context.Context, fp fingerprint.Fingerprint, name string, size int64, platform string, platformID int) (*catalog.Record, bool, error) {
	lookup, err := s.store.GetLookup(ctx, fp.SHA1)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read lookup cache: %w", err)
	}
	if lookup != nil && lookup.PlatformID == platformID {
		if lookup.Found() {
			rec, err := s.store.GetRecord(ctx, lookup.GameID)
			if err != nil {
				return nil, false, fmt.Errorf("failed to read record cache: %w", err)
			}
			if rec != nil {
				s.logger.Debug("lookup cache hit", "rom", name, "game_id", rec.ID)
				return rec, true, nil
			}
		} else if s.now().Sub(lookup.LookedUpAt) < s.negativeTTL {
			s.logger.Debug("cached miss", "rom", name, "looked_up_at", lookup.LookedUpAt)
			return nil, true, nil
		}
	}

	rec, err := s.catalog.SearchByFingerprint(ctx, fp, name, size, platform)
	if err != nil {
		if scraper.IsNotFound(err) {
			s.logger.Info("rom not in catalog", "rom", name, "sha1", fp.SHA1)
			if err := s.store.SaveLookup(ctx, db.Lookup{SHA1: fp.SHA1, PlatformID: platformID, LookedUpAt: s.now()}); err != nil {
				s.logger.Warn("failed to cache miss", "error", err)
			}
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("identify %s: %w", name, err)
	}

	if err := s.store.SaveRecord(ctx, rec); err != nil {
		return nil, false, fmt.Errorf("failed to save record: %w", err)
	}
	if err := s.store.SaveLookup(ctx, db.Lookup{SHA1: fp.SHA1, PlatformID: platformID, GameID: rec.ID, LookedUpAt: s.now()}); err != nil {
		return nil, false, fmt.Errorf("failed to save lookup: %w", err)
	}
	s.logger.Info("rom identified", "rom", name, "game_id", rec.ID, "name", rec.Name)
	return rec, false, nil
}

// fetchMedia downloads the categories that are not already on disk and
// indexes the files.
func (s *Service) fetchMedia(ctx context.Context, res *Result, platform string, categories, regions []string) error {
	rec := res.Record
	existing, err := s.store.GetMedia(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("failed to read media index: %w", err)
	}

	var missing []string
	for _, category := range categories {
		tag := catalog.NormalizeCategory(category)
		if m, ok := existing[tag]; ok && fileExists(m.LocalPath) {
			res.Media[category] = true
			res.MediaPaths[category] = m.LocalPath
			continue
		}
		missing = append(missing, category)
	}
	if len(missing) == 0 {
		return nil
	}

	dir := filepath.Join(s.mediaRoot, filepath.Base(platform))
	downloaded := s.catalog.DownloadMedia(ctx, rec, missing, dir, regions)
	for _, category := range missing {
		res.Media[category] = downloaded[category]
		if !downloaded[category] {
			continue
		}
		desc, _ := rec.Select(category, regions)
		local := filepath.Join(dir, scraper.MediaFileName(rec, category, desc))
		res.MediaPaths[category] = local
		err := s.store.SaveMedia(ctx, db.MediaFile{
			GameID:    rec.ID,
			Category:  catalog.NormalizeCategory(category),
			Region:    desc.Region,
			URL:       desc.URL,
			LocalPath: local,
		})
		if err != nil {
			return fmt.Errorf("failed to save media record: %w", err)
		}
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
