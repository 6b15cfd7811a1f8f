package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrMalformed is returned when a response body cannot be decoded.
var ErrMalformed = errors.New("malformed catalog response")

// ParseOptions controls which localized fields win when a record is built.
type ParseOptions struct {
	Language string   // Preferred synopsis/genre language, e.g. "en"
	Regions  []string // Preferred name regions, most preferred first
}

// Response is the decoded envelope of a catalog call. Record is nil when the
// body carried no game.
type Response struct {
	Record      *Record
	User        *UserQuota
	HeaderError string // Error text reported in the response header, if any
}

type envelope struct {
	Header struct {
		Success flexString `json:"success"`
		Error   string     `json:"error"`
		Erreur  string     `json:"erreur"`
	} `json:"header"`
	Response *struct {
		SSUser *apiUser   `json:"ssuser"`
		Jeu    *apiGame   `json:"jeu"`
		Jeux   []*apiGame `json:"jeux"`
	} `json:"response"`
}

type apiUser struct {
	ID                flexString `json:"id"`
	Niveau            flexString `json:"niveau"`
	MaxThreads        flexString `json:"maxthreads"`
	RequestsToday     flexString `json:"requeststoday"`
	MaxRequestsPerDay flexString `json:"maxrequestsperday"`
}

type apiGame struct {
	ID          flexString `json:"id"`
	Noms        []apiText  `json:"noms"`
	Synopsis    []apiText  `json:"synopsis"`
	Systeme     apiRef     `json:"systeme"`
	Editeur     textRef    `json:"editeur"`
	Developpeur textRef    `json:"developpeur"`
	Joueurs     apiRef     `json:"joueurs"`
	Note        apiRef     `json:"note"`
	Dates       []apiText  `json:"dates"`
	Genres      []apiGenre `json:"genres"`
	Medias      mediaList  `json:"medias"`
}

type apiText struct {
	Region string `json:"region"`
	Langue string `json:"langue"`
	Text   string `json:"text"`
}

type apiRef struct {
	ID   flexString `json:"id"`
	Text flexString `json:"text"`
}

type apiGenre struct {
	ID   flexString `json:"id"`
	Noms []apiText  `json:"noms"`
	Text string     `json:"text"`
}

type apiMedia struct {
	Type   string     `json:"type"`
	URL    string     `json:"url"`
	Region string     `json:"region"`
	Format string     `json:"format"`
	Size   flexString `json:"size"`
	CRC    string     `json:"crc"`
	MD5    string     `json:"md5"`
	SHA1   string     `json:"sha1"`
	// Grouped form: {"media": [ ... ]}
	Media []apiMedia `json:"media"`
}

// flexString accepts JSON strings, numbers and null.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}

func (f flexString) Int() int {
	n, err := strconv.Atoi(strings.TrimSpace(string(f)))
	if err != nil {
		return 0
	}
	return n
}

// textRef accepts {"text": ...}, a list of those, or a bare string.
type textRef string

func (t *textRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = textRef(s)
	case '[':
		var refs []apiRef
		if err := json.Unmarshal(b, &refs); err != nil {
			return err
		}
		for _, r := range refs {
			if r.Text != "" {
				*t = textRef(r.Text)
				break
			}
		}
	default:
		var ref apiRef
		if err := json.Unmarshal(b, &ref); err != nil {
			return err
		}
		*t = textRef(ref.Text)
	}
	return nil
}

// mediaList flattens both the flat and the grouped media layouts.
type mediaList []apiMedia

func (m *mediaList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	var raw []apiMedia
	if b[0] == '{' {
		var group apiMedia
		if err := json.Unmarshal(b, &group); err != nil {
			return err
		}
		raw = []apiMedia{group}
	} else if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	for _, entry := range raw {
		if len(entry.Media) > 0 {
			*m = append(*m, entry.Media...)
			continue
		}
		if entry.Type != "" {
			*m = append(*m, entry)
		}
	}
	return nil
}

var trailingComma = regexp.MustCompile(`,(\s*[\]}])`)

// Parse decodes a catalog response body. The service occasionally emits a
// trailing comma before a closing brace; such bodies are repaired and
// decoded again before giving up.
func Parse(body []byte, opts ParseOptions) (*Response, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		fixed := bytes.ReplaceAll(body, []byte("],\n\t\t}"), []byte("]\n\t\t}"))
		fixed = trailingComma.ReplaceAll(fixed, []byte("$1"))
		if err2 := json.Unmarshal(fixed, &env); err2 != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	resp := &Response{HeaderError: strings.TrimSpace(env.Header.Error)}
	if resp.HeaderError == "" {
		resp.HeaderError = strings.TrimSpace(env.Header.Erreur)
	}
	if env.Response == nil {
		return resp, nil
	}

	if u := env.Response.SSUser; u != nil {
		resp.User = &UserQuota{
			UserID:            string(u.ID),
			Level:             u.Niveau.Int(),
			MaxThreads:        u.MaxThreads.Int(),
			RequestsToday:     u.RequestsToday.Int(),
			MaxRequestsPerDay: u.MaxRequestsPerDay.Int(),
		}
	}

	game := env.Response.Jeu
	if game == nil || game.ID == "" {
		game = nil
		for _, g := range env.Response.Jeux {
			if g != nil && g.ID != "" {
				game = g
				break
			}
		}
	}
	if game != nil && game.ID != "" {
		resp.Record = buildRecord(game, opts)
	}
	return resp, nil
}

func buildRecord(g *apiGame, opts ParseOptions) *Record {
	lang := strings.ToLower(opts.Language)
	if lang == "" {
		lang = "en"
	}

	rec := &Record{
		ID:           string(g.ID),
		Name:         pickByRegion(g.Noms, opts.Regions),
		Description:  pickByLanguage(g.Synopsis, lang),
		Publisher:    string(g.Editeur),
		Developer:    string(g.Developpeur),
		Players:      parsePlayers(string(g.Joueurs.Text)),
		ReleaseDate:  releaseDate(g.Dates),
		PlatformID:   g.Systeme.ID.Int(),
		PlatformName: string(g.Systeme.Text),
	}
	if rating, err := strconv.ParseFloat(strings.TrimSpace(string(g.Note.Text)), 64); err == nil {
		rec.Rating = rating
	}
	if len(g.Genres) > 0 {
		rec.Genre = pickByLanguage(g.Genres[0].Noms, lang)
		if rec.Genre == "" {
			rec.Genre = g.Genres[0].Text
		}
	}
	for _, m := range g.Medias {
		rec.Media = append(rec.Media, MediaDescriptor{
			Category: m.Type,
			Region:   m.Region,
			Format:   m.Format,
			URL:      m.URL,
			Size:     int64(m.Size.Int()),
			CRC32:    strings.ToUpper(m.CRC),
			MD5:      strings.ToUpper(m.MD5),
			SHA1:     strings.ToUpper(m.SHA1),
		})
	}
	return rec
}

// pickByRegion returns the text for the first preferred region present, then
// the world or catalog default, then the first entry.
func pickByRegion(texts []apiText, regions []string) string {
	if len(texts) == 0 {
		return ""
	}
	order := append(append([]string{}, regions...), "wor", "ss")
	for _, want := range order {
		for _, t := range texts {
			if strings.EqualFold(t.Region, want) && t.Text != "" {
				return t.Text
			}
		}
	}
	return texts[0].Text
}

// releaseDate returns the first date listed for a world or US release, or
// the first date when neither is present.
func releaseDate(dates []apiText) string {
	for _, d := range dates {
		if strings.EqualFold(d.Region, "wor") || strings.EqualFold(d.Region, "us") {
			return d.Text
		}
	}
	if len(dates) == 0 {
		return ""
	}
	return dates[0].Text
}

func pickByLanguage(texts []apiText, lang string) string {
	if len(texts) == 0 {
		return ""
	}
	for _, want := range []string{lang, "en"} {
		for _, t := range texts {
			if strings.EqualFold(t.Langue, want) && t.Text != "" {
				return t.Text
			}
		}
	}
	return texts[0].Text
}

func parsePlayers(s string) PlayerRange {
	s = strings.TrimSpace(s)
	if s == "" {
		return PlayerRange{}
	}
	if strings.HasSuffix(s, "+") {
		n, _ := strconv.Atoi(strings.TrimSuffix(s, "+"))
		return PlayerRange{Min: n}
	}
	lo, hi, found := strings.Cut(s, "-")
	minPlayers, _ := strconv.Atoi(strings.TrimSpace(lo))
	if !found {
		return PlayerRange{Min: minPlayers, Max: minPlayers}
	}
	maxPlayers, _ := strconv.Atoi(strings.TrimSpace(hi))
	return PlayerRange{Min: minPlayers, Max: maxPlayers}
}
