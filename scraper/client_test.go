package scraper

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryanm101/romscraper/quota"
)

var testCreds = Credentials{DevID: "dev", DevPassword: "s3cret", SoftwareName: "romscraper-test"}

type fakeClock struct {
	mu    sync.Mutex
	t     time.Time
	waits []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Sleep advances the clock instead of blocking and records the wait.
func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waits = append(c.waits, d)
	c.t = c.t.Add(d)
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *fakeClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

func newTestClient(t *testing.T, baseURL string, clock *fakeClock, mutate ...func(*Config)) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BaseURL = baseURL
	cfg.RateLimit = quota.Config{MinDelay: time.Second, DailyMax: 5000}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := New(testCreds, cfg, WithClock(clock.Now), WithSleeper(clock.Sleep))
	require.NoError(t, err)
	return c
}

func gameJSON(mediaBase string) string {
	return fmt.Sprintf(`{
	"header": {"success": "true", "error": ""},
	"response": {
		"jeu": {
			"id": "1234",
			"noms": [{"region": "us", "text": "Pokémon Red"}],
			"systeme": {"id": "9", "text": "Game Boy"},
			"editeur": {"text": "Nintendo"},
			"medias": [
				{"type": "box-2D", "region": "eu", "format": "png", "url": "%[1]s/media/box-eu.png"},
				{"type": "box-2D", "region": "us", "format": "png", "url": "%[1]s/media/box-us.png"},
				{"type": "ss", "region": "wor", "format": "png", "url": "%[1]s/media/ss.png"}
			]
		}
	}
}`, mediaBase)
}

func writeROM(t *testing.T, size int) string {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), "Pokemon Red (USA).gb")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestNew_RequiresDeveloperCredentials(t *testing.T) {
	_, err := New(Credentials{DevID: "dev"}, DefaultConfig())
	assert.ErrorIs(t, err, ErrInvalidArg)

	c, err := NewDefault(Credentials{DevID: "dev", DevPassword: "pw"})
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, c.Config().BaseURL)
	assert.Equal(t, DefaultSoftwareName, c.creds.SoftwareName)
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{BaseURL: "http://example.test/api2/"}.withDefaults()
	assert.Equal(t, "http://example.test/api2", cfg.BaseURL)
	assert.Equal(t, 4, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.InitialDelay)
	assert.Equal(t, 30*time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, time.Minute, cfg.Retry.ClosedCooldown)
	assert.Equal(t, DefaultMarkers(), cfg.Markers)
	assert.Equal(t, quota.DefaultWindow, cfg.RateLimit.Window)
}

func TestSearchByFile_SendsHashesAndCredentials(t *testing.T) {
	romPath := writeROM(t, 4096)
	fp, err := HashFile(romPath)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/jeuInfos.php", r.URL.Path)
		assert.Equal(t, "dev", q.Get("devid"))
		assert.Equal(t, "s3cret", q.Get("devpassword"))
		assert.Equal(t, "romscraper-test", q.Get("softname"))
		assert.Equal(t, "json", q.Get("output"))
		assert.Empty(t, q.Get("ssid"), "user pair is not sent when unset")
		assert.Equal(t, fp.MD5, q.Get("md5"))
		assert.Equal(t, fp.SHA1, q.Get("sha1"))
		assert.Equal(t, fp.CRC32, q.Get("crc"))
		assert.Equal(t, "Pokemon Red (USA).gb", q.Get("romnom"))
		assert.Equal(t, "4096", q.Get("romtaille"))
		assert.Equal(t, "9", q.Get("systemeid"))
		assert.Equal(t, "rom", q.Get("romtype"))
		_, _ = fmt.Fprint(w, gameJSON("http://unused"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, newFakeClock())
	rec, err := c.SearchByFile(context.Background(), romPath, "gameboy")
	require.NoError(t, err)
	assert.Equal(t, "1234", rec.ID)
	assert.Equal(t, "Pokémon Red", rec.Name)
	assert.Equal(t, 9, rec.PlatformID)
}

func TestSearch_InvalidArgumentsDispatchNothing(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL, newFakeClock())
	ctx := context.Background()

	_, err := c.SearchByFile(ctx, writeROM(t, 16), "amiga-cd32")
	assert.ErrorIs(t, err, ErrInvalidArg)
	_, err = c.SearchByName(ctx, "Tetris", "not-a-platform")
	assert.ErrorIs(t, err, ErrInvalidArg)
	_, err = c.SearchByName(ctx, "  ", "nes")
	assert.ErrorIs(t, err, ErrInvalidArg)
	_, err = c.SearchByID(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidArg)
	_, err = c.UserInfo(ctx)
	assert.ErrorIs(t, err, ErrInvalidArg)

	assert.Equal(t, int32(0), hits.Load())
	assert.Equal(t, 0, c.Quota().Used)
}

func TestSearchByFile_MissingFileIsIOError(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:0", newFakeClock())
	_, err := c.SearchByFile(context.Background(), filepath.Join(t.TempDir(), "missing.nes"), "nes")
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, KindIO, KindOf(err))
}

func TestSearchByName_UsesSearchEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/jeuRecherche.php", r.URL.Path)
		assert.Equal(t, "Super Mario Bros", r.URL.Query().Get("recherche"))
		assert.Equal(t, "3", r.URL.Query().Get("systemeid"))
		_, _ = fmt.Fprint(w, `{"response":{"jeux":[{"id":"3","noms":[{"region":"wor","text":"Super Mario Bros."}]}]}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, newFakeClock())
	rec, err := c.SearchByName(context.Background(), "Super Mario Bros", "NES")
	require.NoError(t, err)
	assert.Equal(t, "Super Mario Bros.", rec.Name)
}

func TestSearchByID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1234", r.URL.Query().Get("gameid"))
		_, _ = fmt.Fprint(w, gameJSON("http://unused"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, newFakeClock())
	rec, err := c.SearchByID(context.Background(), "1234")
	require.NoError(t, err)
	assert.Equal(t, "Nintendo", rec.Publisher)
}

func TestSearch_NotFound(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"404 status", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Erreur : Rom/Iso/Dossier non trouvée !", http.StatusNotFound)
		}},
		{"header error", func(w http.ResponseWriter, r *http.Request) {
			_, _ = fmt.Fprint(w, `{"header":{"success":"false","error":"Jeu non trouvé"}}`)
		}},
		{"empty response", func(w http.ResponseWriter, r *http.Request) {
			_, _ = fmt.Fprint(w, `{"header":{"success":"true"},"response":{}}`)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				tt.handler(w, r)
			}))
			defer srv.Close()

			clock := newFakeClock()
			c := newTestClient(t, srv.URL, clock)
			_, err := c.SearchByID(context.Background(), "999999")
			require.Error(t, err)
			assert.True(t, IsNotFound(err))
			assert.Equal(t, int32(1), hits.Load(), "not found is never retried")
			assert.Empty(t, clock.Waits())
		})
	}
}

func TestExecute_TransientRetriesWithGrowingDelays(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			http.Error(w, "upstream hiccup", http.StatusBadGateway)
			return
		}
		_, _ = fmt.Fprint(w, gameJSON("http://unused"))
	}))
	defer srv.Close()

	clock := newFakeClock()
	c := newTestClient(t, srv.URL, clock)
	rec, err := c.SearchByID(context.Background(), "1234")
	require.NoError(t, err)
	assert.Equal(t, "1234", rec.ID)

	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clock.Waits())
	assert.Equal(t, 3, c.Quota().Used, "every dispatch consumes quota")
}

func TestExecute_TransientGivesUpAfterMaxAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	clock := newFakeClock()
	c := newTestClient(t, srv.URL, clock)
	_, err := c.SearchByID(context.Background(), "1")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransient)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 4, se.Attempts)
	assert.Equal(t, http.StatusServiceUnavailable, se.Status)
	assert.Equal(t, "search_by_id", se.Op)
	assert.Equal(t, int32(4), hits.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, clock.Waits())
}

func TestExecute_HonoursRetryAfter(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "5")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = fmt.Fprint(w, gameJSON("http://unused"))
	}))
	defer srv.Close()

	clock := newFakeClock()
	c := newTestClient(t, srv.URL, clock)
	_, err := c.SearchByID(context.Background(), "1234")
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{5 * time.Second}, clock.Waits())
}

func TestExecute_PersistentClosure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "API fermé pour maintenance", http.StatusLocked)
	}))
	defer srv.Close()

	clock := newFakeClock()
	c := newTestClient(t, srv.URL, clock)
	_, err := c.SearchByID(context.Background(), "1234")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServiceClosed)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 3, se.Attempts)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, []time.Duration{time.Minute, time.Minute}, clock.Waits())
}

func TestExecute_ClosureMarkerInBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "The API is closed for non-members", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, newFakeClock(), func(cfg *Config) { cfg.Retry.ClosedRetries = 0 })
	_, err := c.SearchByID(context.Background(), "1")
	assert.Equal(t, KindServiceClosed, KindOf(err))
}

func TestExecute_ServerErrorMentioningClosedIsTransient(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "upstream connection closed", http.StatusBadGateway)
	}))
	defer srv.Close()

	clock := newFakeClock()
	c := newTestClient(t, srv.URL, clock)
	_, err := c.SearchByID(context.Background(), "1")

	assert.Equal(t, KindTransient, KindOf(err))
	assert.Equal(t, int32(4), hits.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, clock.Waits())
}

func TestExecute_QuotaExceededStopsDispatching(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "Le quota de scrape est dépassé", 430)
	}))
	defer srv.Close()

	clock := newFakeClock()
	c := newTestClient(t, srv.URL, clock)
	ctx := context.Background()

	_, err := c.SearchByID(ctx, "1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, int32(1), hits.Load())

	clock.Advance(time.Hour)
	_, err = c.SearchByName(ctx, "Tetris", "gameboy")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 0, se.Attempts)
	assert.Equal(t, int32(1), hits.Load(), "no dispatch once the quota is known to be spent")
	assert.Empty(t, clock.Waits())
}

func TestExecute_ProtocolErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"bad request", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Erreur de login : Vérifier vos identifiants développeur !", http.StatusUnauthorized)
		}},
		{"undecodable body", func(w http.ResponseWriter, r *http.Request) {
			_, _ = fmt.Fprint(w, "<html>oops</html>")
		}},
		{"header error without marker", func(w http.ResponseWriter, r *http.Request) {
			_, _ = fmt.Fprint(w, `{"header":{"success":"false","error":"Problème de paramètres"}}`)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				tt.handler(w, r)
			}))
			defer srv.Close()

			clock := newFakeClock()
			c := newTestClient(t, srv.URL, clock)
			_, err := c.SearchByID(context.Background(), "1")
			assert.ErrorIs(t, err, ErrProtocol)
			assert.Equal(t, int32(1), hits.Load())
			assert.Empty(t, clock.Waits())
		})
	}
}

func TestExecute_TransportErrorDoesNotLeakCredentials(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	baseURL := srv.URL
	srv.Close()

	clock := newFakeClock()
	c := newTestClient(t, baseURL, clock, func(cfg *Config) { cfg.Retry.MaxAttempts = 2 })
	_, err := c.SearchByID(context.Background(), "1")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransient)
	assert.NotContains(t, err.Error(), "s3cret")
	assert.Equal(t, []time.Duration{time.Second}, clock.Waits())
}

func TestExecute_ContextCanceled(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, newFakeClock())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.SearchByID(ctx, "1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), hits.Load())
}

func TestExecute_ThrottlesBetweenOperations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, gameJSON("http://unused"))
	}))
	defer srv.Close()

	clock := newFakeClock()
	c := newTestClient(t, srv.URL, clock)
	ctx := context.Background()

	_, err := c.SearchByID(ctx, "1")
	require.NoError(t, err)
	_, err = c.SearchByID(ctx, "2")
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{time.Second}, clock.Waits(), "second call waits out the minimum delay")
}

func TestUserInfo_ReconcilesGovernor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ssuserInfos.php", r.URL.Path)
		assert.Equal(t, "player", r.URL.Query().Get("ssid"))
		assert.Equal(t, "pw", r.URL.Query().Get("sspassword"))
		_, _ = fmt.Fprint(w, `{"response":{"ssuser":{"id":"player","requeststoday":"4990","maxrequestsperday":"5000","maxthreads":"1"}}}`)
	}))
	defer srv.Close()

	creds := testCreds
	creds.UserID, creds.UserPassword = "player", "pw"
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.RateLimit = quota.Config{MinDelay: time.Second, DailyMax: 20000}
	c, err := New(creds, cfg, WithClock(clock.Now), WithSleeper(clock.Sleep))
	require.NoError(t, err)

	u, err := c.UserInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4990, u.RequestsToday)
	assert.Equal(t, 10, u.Remaining())

	snap := c.Quota()
	assert.Equal(t, 5000, snap.Limit)
	assert.Equal(t, 4990, snap.Used)
	assert.Equal(t, 10, snap.Remaining)
}

func TestNew_RestoresFromLedger(t *testing.T) {
	clock := newFakeClock()
	ledger := quota.NewMemoryLedger()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, ledger.Append(ctx, "dev", clock.Now().Add(-time.Duration(i+1)*time.Minute)))
	}
	require.NoError(t, ledger.Append(ctx, "dev/someone", clock.Now().Add(-time.Minute)))

	c, err := New(testCreds, DefaultConfig(), WithClock(clock.Now), WithLedger(ledger))
	require.NoError(t, err)
	assert.Equal(t, 3, c.Quota().Used)
}

func TestRequestURL_EncodesParameters(t *testing.T) {
	c := newTestClient(t, "http://example.test/api2", newFakeClock())
	u, err := c.requestURL(operation{endpoint: "jeuRecherche.php", params: map[string][]string{"recherche": {"Zelda & Link"}}})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "http://example.test/api2/jeuRecherche.php?"))
	assert.Contains(t, u, "recherche=Zelda+%26+Link")

	direct, err := c.requestURL(operation{rawURL: "http://cdn.test/x.png"})
	require.NoError(t, err)
	assert.Equal(t, "http://cdn.test/x.png", direct)
}

func TestRetryDelay_Budgets(t *testing.T) {
	c := newTestClient(t, "http://unused.test", newFakeClock())
	bo := c.newBackOff()

	closed := &Error{Kind: KindServiceClosed}
	var closedRetries int
	assert.Equal(t, time.Minute, c.retryDelay(closed, 1, &closedRetries, bo))
	assert.Equal(t, time.Minute, c.retryDelay(closed, 2, &closedRetries, bo))
	assert.Zero(t, c.retryDelay(closed, 3, &closedRetries, bo))

	transient := &Error{Kind: KindTransient, retryAfter: 3 * time.Second}
	assert.Equal(t, 3*time.Second, c.retryDelay(transient, 1, &closedRetries, bo))
	assert.Zero(t, c.retryDelay(transient, c.cfg.Retry.MaxAttempts, &closedRetries, bo))
}
