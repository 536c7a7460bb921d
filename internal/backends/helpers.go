package backends

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/state"
)

const (
	dateLayout         = "2006-01-02"
	maxWebhookBodySize = 10 << 20
)

var errEmptyDate = errors.New("backends: empty date value")

// providerNamespaces maps lowercased provider names onto the identifier vocabulary.
var providerNamespaces = map[string]state.Namespace{
	"plex":       state.NamespacePlex,
	"imdb":       state.NamespaceIMDB,
	"tvdb":       state.NamespaceTVDB,
	"thetvdb":    state.NamespaceTVDB,
	"tmdb":       state.NamespaceTMDB,
	"themoviedb": state.NamespaceTMDB,
	"tvmaze":     state.NamespaceTVMaze,
	"tvrage":     state.NamespaceTVRage,
	"anidb":      state.NamespaceAniDB,
}

// namespaceFor resolves a free-form provider name. Unknown providers report false.
func namespaceFor(provider string) (state.Namespace, bool) {
	ns, ok := providerNamespaces[strings.ToLower(strings.TrimSpace(provider))]
	return ns, ok
}

// applyProviderIDs copies recognized provider ids onto entity. Empty values and
// unknown providers are ignored.
func applyProviderIDs(entity *state.Entity, providerIDs map[string]string) {
	for provider, value := range providerIDs {
		ns, ok := namespaceFor(provider)
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if value == "" || entity.GUID(ns) != "" {
			continue
		}
		entity.SetGUID(ns, value)
	}
}

// parseDate accepts RFC3339 timestamps (with or without fraction or zone), plain
// dates, unix seconds and bare four-digit years.
func parseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errEmptyDate
	}
	if isDigits(value) {
		number, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		if len(value) == 4 {
			return time.Date(int(number), time.January, 1, 0, 0, 0, 0, time.UTC), nil
		}
		return time.Unix(number, 0).UTC(), nil
	}
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.9999999",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		dateLayout,
	}
	for _, layout := range layouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("backends: unrecognized date %q", value)
}

// firstDate walks the fallback chain and formats the first parseable value as a date.
// When nothing parses the date of now is used.
func firstDate(now time.Time, candidates ...string) string {
	for _, candidate := range candidates {
		if parsed, err := parseDate(candidate); err == nil {
			return parsed.Format(dateLayout)
		}
	}
	return now.UTC().Format(dateLayout)
}

func isDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func yearString(year int) string {
	if year <= 0 {
		return ""
	}
	return strconv.Itoa(year)
}

func unixString(seconds int64) string {
	if seconds <= 0 {
		return ""
	}
	return strconv.FormatInt(seconds, 10)
}

// viaName turns a server display name into the token used in metadata and dump names.
func viaName(serverName string) string {
	serverName = strings.TrimSpace(serverName)
	if serverName == "" {
		return "Webhook"
	}
	return strings.ReplaceAll(serverName, " ", "_")
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// readBody returns the request body and rewinds it so later readers see it again.
func readBody(request *http.Request) ([]byte, error) {
	if request == nil || request.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(request.Body, maxWebhookBodySize))
	if err != nil {
		return nil, err
	}
	_ = request.Body.Close()
	request.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// formValue reads a form field from a urlencoded or multipart body.
func formValue(request *http.Request, field string) string {
	if request == nil {
		return ""
	}
	if strings.HasPrefix(request.Header.Get("Content-Type"), "multipart/") {
		if request.MultipartForm == nil {
			_ = request.ParseMultipartForm(maxWebhookBodySize)
		}
	}
	return request.FormValue(field)
}
