package backends

import (
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/state"
)

func TestParseDateLayouts(t *testing.T) {
	testCases := []struct {
		input string
		want  time.Time
	}{
		{"2021-01-02T03:04:05Z", time.Date(2021, 1, 2, 3, 4, 5, 0, time.UTC)},
		{"2021-01-02T03:04:05.1234567Z", time.Date(2021, 1, 2, 3, 4, 5, 123456700, time.UTC)},
		{"2021-01-02T03:04:05+02:00", time.Date(2021, 1, 2, 1, 4, 5, 0, time.UTC)},
		{"2021-01-02T03:04:05", time.Date(2021, 1, 2, 3, 4, 5, 0, time.UTC)},
		{"2021-01-02", time.Date(2021, 1, 2, 0, 0, 0, 0, time.UTC)},
		{"1999", time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"1600000000", time.Unix(1600000000, 0).UTC()},
	}
	for _, testCase := range testCases {
		t.Run(testCase.input, func(t *testing.T) {
			got, err := parseDate(testCase.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(testCase.want) {
				t.Fatalf("got %s, want %s", got, testCase.want)
			}
		})
	}

	for _, invalid := range []string{"", "  ", "yesterday"} {
		if _, err := parseDate(invalid); err == nil {
			t.Fatalf("expected error for %q", invalid)
		}
	}
}

func TestFirstDateFallsBackToNow(t *testing.T) {
	if got := firstDate(fixedNow, "", "garbage"); got != "2024-03-09" {
		t.Fatalf("unexpected fallback date %q", got)
	}
	if got := firstDate(fixedNow, "", "2001"); got != "2001-01-01" {
		t.Fatalf("unexpected year date %q", got)
	}
}

func TestApplyProviderIDs(t *testing.T) {
	entity := state.Entity{GUIDIMDB: "tt-existing"}
	applyProviderIDs(&entity, map[string]string{
		"IMDB":       "tt-other",
		"TheMovieDb": "603",
		"TvDb":       " 81189 ",
		"Zap2It":     "EP1",
		"AniDB":      "",
	})
	if entity.GUIDIMDB != "tt-existing" {
		t.Fatalf("existing identifiers must not be overwritten")
	}
	if entity.GUIDTMDB != "603" || entity.GUIDTVDB != "81189" {
		t.Fatalf("unexpected identifiers %#v", entity.GUIDs())
	}
	if len(entity.GUIDs()) != 3 {
		t.Fatalf("unknown and empty providers must be ignored, got %#v", entity.GUIDs())
	}
}

func TestViaName(t *testing.T) {
	if viaName("My Home Server") != "My_Home_Server" {
		t.Fatalf("spaces must become underscores")
	}
	if viaName("  ") != "Webhook" {
		t.Fatalf("blank names fall back to Webhook")
	}
}

func TestSplitPlexGUID(t *testing.T) {
	testCases := []struct {
		guid     string
		provider string
		id       string
		ok       bool
	}{
		{"imdb://tt1", "imdb", "tt1", true},
		{"com.plexapp.agents.thetvdb://81189/1/2?lang=en", "thetvdb", "81189/1/2", true},
		{"local://12", "local", "12", true},
		{"no-scheme", "", "", false},
		{"imdb://?lang=en", "", "", false},
	}
	for _, testCase := range testCases {
		provider, id, ok := splitPlexGUID(testCase.guid)
		if provider != testCase.provider || id != testCase.id || ok != testCase.ok {
			t.Fatalf("%s: got %q %q %t", testCase.guid, provider, id, ok)
		}
	}
}
