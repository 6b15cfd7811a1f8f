package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return data
}

func TestParse_GameRecord(t *testing.T) {
	resp, err := Parse(loadFixture(t, "jeuinfos.json"), ParseOptions{Language: "en", Regions: []string{"us", "wor"}})
	require.NoError(t, err)
	require.NotNil(t, resp.Record)

	rec := resp.Record
	assert.Equal(t, "1234", rec.ID)
	assert.Equal(t, "Super Mario Bros. (US)", rec.Name)
	assert.Equal(t, "The plumber.", rec.Description)
	assert.Equal(t, "Nintendo", rec.Publisher)
	assert.Equal(t, "Nintendo EAD", rec.Developer)
	assert.Equal(t, PlayerRange{Min: 1, Max: 2}, rec.Players)
	assert.Equal(t, 18.0, rec.Rating)
	assert.Equal(t, "1985-10-18", rec.ReleaseDate)
	assert.Equal(t, "Platform", rec.Genre)
	assert.Equal(t, 3, rec.PlatformID)
	assert.Equal(t, "NES", rec.PlatformName)
	require.Len(t, rec.Media, 4)
	assert.Equal(t, "AA11BB22", rec.Media[0].CRC32)
	assert.Equal(t, int64(2048), rec.Media[1].Size)

	require.NotNil(t, resp.User)
	assert.Equal(t, 123, resp.User.RequestsToday)
	assert.Equal(t, 20000, resp.User.MaxRequestsPerDay)
	assert.Equal(t, 19877, resp.User.Remaining())
}

func TestReleaseDate(t *testing.T) {
	tests := []struct {
		name  string
		dates []apiText
		want  string
	}{
		{"none", nil, ""},
		{"us listed before wor", []apiText{
			{Region: "jp", Text: "1985-09-13"},
			{Region: "us", Text: "1985-10-18"},
			{Region: "wor", Text: "1985-09-01"},
		}, "1985-10-18"},
		{"wor listed before us", []apiText{
			{Region: "wor", Text: "1985-09-01"},
			{Region: "us", Text: "1985-10-18"},
		}, "1985-09-01"},
		{"falls back to first", []apiText{
			{Region: "jp", Text: "1985-09-13"},
			{Region: "eu", Text: "1987-05-15"},
		}, "1985-09-13"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, releaseDate(tt.dates))
		})
	}
}

func TestParse_NamePreference(t *testing.T) {
	body := loadFixture(t, "jeuinfos.json")

	t.Run("falls back to catalog default name", func(t *testing.T) {
		resp, err := Parse(body, ParseOptions{})
		require.NoError(t, err)
		assert.Equal(t, "Super Mario Bros.", resp.Record.Name)
	})

	t.Run("french synopsis", func(t *testing.T) {
		resp, err := Parse(body, ParseOptions{Language: "fr", Regions: []string{"jp"}})
		require.NoError(t, err)
		assert.Equal(t, "Le plombier.", resp.Record.Description)
		assert.Equal(t, "Plateforme", resp.Record.Genre)
		assert.Equal(t, "Super Mario Bros. (JP)", resp.Record.Name)
	})
}

func TestParse_SearchResults(t *testing.T) {
	body := []byte(`{"header":{"success":"true"},"response":{"jeux":[{},{"id":42,"noms":[{"region":"wor","text":"Tetris"}],"editeur":[{"text":"Elorg"}]}]}}`)
	resp, err := Parse(body, ParseOptions{})
	require.NoError(t, err)
	require.NotNil(t, resp.Record)
	assert.Equal(t, "42", resp.Record.ID)
	assert.Equal(t, "Tetris", resp.Record.Name)
	assert.Equal(t, "Elorg", resp.Record.Publisher)
}

func TestParse_GroupedMedia(t *testing.T) {
	body := []byte(`{"response":{"jeu":{"id":"7","medias":{"media":[{"type":"wheel","region":"us","url":"u1"},{"type":"manuel","region":"eu","url":"u2"}]}}}}`)
	resp, err := Parse(body, ParseOptions{})
	require.NoError(t, err)
	require.Len(t, resp.Record.Media, 2)
	assert.Equal(t, "wheel", resp.Record.Media[0].Category)
	assert.Equal(t, "manuel", resp.Record.Media[1].Category)
}

func TestParse_NoGame(t *testing.T) {
	resp, err := Parse([]byte(`{"header":{"success":"false","error":"Erreur : Rom/Iso/Dossier non trouvée !"}}`), ParseOptions{})
	require.NoError(t, err)
	assert.Nil(t, resp.Record)
	assert.Contains(t, resp.HeaderError, "non trouv")
}

func TestParse_Malformed(t *testing.T) {
	_, err := Parse([]byte("Erreur de login"), ParseOptions{})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParsePlayers(t *testing.T) {
	tests := []struct {
		in   string
		want PlayerRange
		str  string
	}{
		{"", PlayerRange{}, ""},
		{"1", PlayerRange{Min: 1, Max: 1}, "1"},
		{"1-4", PlayerRange{Min: 1, Max: 4}, "1-4"},
		{"2+", PlayerRange{Min: 2}, "2+"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := parsePlayers(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.str, got.String())
		})
	}
}

func TestSelect(t *testing.T) {
	rec := &Record{Media: []MediaDescriptor{
		{Category: "box-2D", Region: "eu", URL: "eu"},
		{Category: "box-2D", Region: "us", URL: "us"},
		{Category: "box-2D", Region: "wor", URL: "wor"},
		{Category: "ss", Region: "jp", URL: "ss-jp"},
	}}

	t.Run("earliest preferred region wins", func(t *testing.T) {
		got, ok := rec.Select("box-2D", []string{"us", "wor"})
		require.True(t, ok)
		assert.Equal(t, "us", got.URL)
	})

	t.Run("unlisted regions rank last", func(t *testing.T) {
		got, ok := rec.Select("box-2D", []string{"jp", "wor"})
		require.True(t, ok)
		assert.Equal(t, "wor", got.URL)
	})

	t.Run("empty preference takes first entry", func(t *testing.T) {
		got, ok := rec.Select("box-2D", nil)
		require.True(t, ok)
		assert.Equal(t, "eu", got.URL)
	})

	t.Run("friendly alias", func(t *testing.T) {
		got, ok := rec.Select("screenshot", []string{"us"})
		require.True(t, ok)
		assert.Equal(t, "ss-jp", got.URL)
	})

	t.Run("absent category", func(t *testing.T) {
		_, ok := rec.Select("video", []string{"us"})
		assert.False(t, ok)
	})

	t.Run("deterministic among equal ranks", func(t *testing.T) {
		dup := &Record{Media: []MediaDescriptor{
			{Category: "wheel", Region: "us", URL: "first"},
			{Category: "wheel", Region: "us", URL: "second"},
		}}
		for i := 0; i < 5; i++ {
			got, _ := dup.Select("marquee", []string{"us"})
			assert.Equal(t, "first", got.URL)
		}
	})

	t.Run("nil record", func(t *testing.T) {
		var none *Record
		_, ok := none.Select("box-2D", nil)
		assert.False(t, ok)
	})
}

func TestCategories(t *testing.T) {
	rec := &Record{Media: []MediaDescriptor{
		{Category: "box-2D"}, {Category: "ss"}, {Category: "box-2D"},
	}}
	assert.Equal(t, []string{"box-2D", "ss"}, rec.Categories())
	assert.Len(t, rec.All("box-2d"), 2)
}

func TestPlatformID(t *testing.T) {
	id, ok := PlatformID(" SNES ")
	assert.True(t, ok)
	assert.Equal(t, 4, id)

	_, ok = PlatformID("amiga-cd32")
	assert.False(t, ok)

	names := PlatformNames()
	assert.Contains(t, names, "psx")
	assert.IsIncreasing(t, names)
}

func TestNormalizeCategory(t *testing.T) {
	assert.Equal(t, "ss", NormalizeCategory("screenshot"))
	assert.Equal(t, "manuel", NormalizeCategory("Manual"))
	assert.Equal(t, "box-2D", NormalizeCategory("box-2D"))
	assert.Equal(t, "fanart", NormalizeCategory("fanart"))
}
