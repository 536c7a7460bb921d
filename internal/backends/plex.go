package backends

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/rejection"
	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/state"
	"github.com/goccy/go-json"
)

const (
	plexEventLibraryNew = "library.new"
	plexEventScrobble   = "media.scrobble"
	plexEventPlay       = "media.play"
	plexEventPause      = "media.pause"
	plexEventResume     = "media.resume"
	plexEventStop       = "media.stop"

	plexLegacyAgentPrefix = "com.plexapp.agents."
)

var (
	plexAllowedTypes  = []string{"movie", "episode"}
	plexAllowedEvents = []string{
		plexEventLibraryNew,
		plexEventScrobble,
		plexEventPlay,
		plexEventPause,
		plexEventResume,
		plexEventStop,
	}
	plexTaintedEvents = []string{plexEventPlay, plexEventPause, plexEventResume, plexEventStop}
)

type plexPayload struct {
	Event    string        `json:"event"`
	Account  plexAccount   `json:"Account"`
	Server   plexServer    `json:"Server"`
	Metadata *plexMetadata `json:"Metadata"`
}

type plexAccount struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

type plexServer struct {
	Title string `json:"title"`
	UUID  string `json:"uuid"`
}

type plexGUID struct {
	ID string `json:"id"`
}

type plexMetadata struct {
	Type                  string     `json:"type"`
	Title                 string     `json:"title"`
	GrandparentTitle      string     `json:"grandparentTitle"`
	Index                 int        `json:"index"`
	ParentIndex           int        `json:"parentIndex"`
	Year                  int        `json:"year"`
	OriginallyAvailableAt string     `json:"originallyAvailableAt"`
	AddedAt               int64      `json:"addedAt"`
	UpdatedAt             int64      `json:"updatedAt"`
	LastViewedAt          int64      `json:"lastViewedAt"`
	ViewCount             int        `json:"viewCount"`
	GUID                  string     `json:"guid"`
	GUIDs                 []plexGUID `json:"Guid"`
}

// PlexAdapter parses Plex Media Server webhook deliveries.
type PlexAdapter struct {
	*baseAdapter
}

// ParseWebhook implements Adapter.
func (a *PlexAdapter) ParseWebhook(request *http.Request) (state.Change, error) {
	raw := []byte(formValue(request, "payload"))
	if len(raw) == 0 {
		return state.Change{}, rejection.MalformedPayload("No payload.", nil)
	}

	var payload plexPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return state.Change{}, rejection.MalformedPayload("Invalid payload.", err)
	}

	via := viaName(payload.Server.Title)
	event := firstNonEmpty(payload.Event, "unknown")

	a.saveDebugPayload(request, via, event, raw, payload)

	itemType := "not_found"
	if payload.Metadata != nil && payload.Metadata.Type != "" {
		itemType = payload.Metadata.Type
	}
	if !contains(plexAllowedTypes, itemType) {
		return state.Change{}, rejection.SoftSkip(rejection.ReasonUnsupportedType, "Not allowed Type [%s]", itemType)
	}
	if !contains(plexAllowedEvents, event) {
		return state.Change{}, rejection.SoftSkip(rejection.ReasonUnsupportedEvent, "Not allowed Event [%s]", event)
	}

	metadata := payload.Metadata
	updated := plexUpdated(metadata)
	if updated <= 0 {
		return state.Change{}, rejection.SoftSkip(rejection.ReasonMissingTimestamp, "No addedAt value is set.")
	}

	entityType, err := state.NewType(itemType)
	if err != nil {
		return state.Change{}, rejection.SoftSkip(rejection.ReasonUnsupportedType, "Not allowed Type [%s]", itemType)
	}

	entity := state.Entity{
		Type:    entityType,
		Updated: updated,
		Watched: event == plexEventScrobble || metadata.ViewCount > 0,
		Meta:    plexEntityMetadata(entityType, via, event, metadata, a.now()),
	}
	applyProviderIDs(&entity, plexProviderIDs(metadata))

	return state.Change{Entity: entity, Tainted: contains(plexTaintedEvents, event)}, nil
}

// plexUpdated prefers the last view time, then the item update and add times.
func plexUpdated(metadata *plexMetadata) int64 {
	for _, candidate := range []int64{metadata.LastViewedAt, metadata.UpdatedAt, metadata.AddedAt} {
		if candidate > 0 {
			return candidate
		}
	}
	return 0
}

func plexEntityMetadata(entityType state.Type, via, event string, metadata *plexMetadata, now time.Time) state.Metadata {
	meta := state.Metadata{
		Via:     via,
		Title:   firstNonEmpty(metadata.Title, "??"),
		Year:    metadata.Year,
		Date:    firstDate(now, metadata.OriginallyAvailableAt, yearString(metadata.Year), unixString(metadata.AddedAt)),
		Webhook: state.WebhookInfo{Event: event},
	}
	if entityType == state.TypeEpisode {
		meta.Series = firstNonEmpty(metadata.GrandparentTitle, "??")
		meta.Season = metadata.ParentIndex
		meta.Episode = metadata.Index
	}
	return meta
}

// plexProviderIDs reads "provider://id" pairs from the Guid list and the legacy agent guid.
func plexProviderIDs(metadata *plexMetadata) map[string]string {
	providerIDs := make(map[string]string)
	for _, guid := range metadata.GUIDs {
		if provider, id, ok := splitPlexGUID(guid.ID); ok {
			providerIDs[provider] = id
		}
	}
	if provider, id, ok := splitPlexGUID(metadata.GUID); ok {
		if _, exists := providerIDs[provider]; !exists {
			providerIDs[provider] = id
		}
	}
	return providerIDs
}

func splitPlexGUID(guid string) (string, string, bool) {
	guid = strings.TrimSpace(guid)
	provider, id, found := strings.Cut(guid, "://")
	if !found || provider == "" || id == "" {
		return "", "", false
	}
	provider = strings.TrimPrefix(provider, plexLegacyAgentPrefix)
	if question := strings.IndexByte(id, '?'); question >= 0 {
		id = id[:question]
	}
	if id == "" {
		return "", "", false
	}
	return provider, id, true
}

func processPlexRequest(request *http.Request) RequestAttributes {
	raw := formValue(request, "payload")
	if raw == "" {
		return RequestAttributes{}
	}
	var payload plexPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return RequestAttributes{}
	}
	attrs := RequestAttributes{ServerID: payload.Server.UUID}
	if payload.Account.ID != 0 {
		attrs.UserID = strconv.FormatInt(payload.Account.ID, 10)
	}
	return attrs
}
