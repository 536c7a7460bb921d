package backends

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/rejection"
	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/state"
	"github.com/goccy/go-json"
)

const (
	jellyfinEventItemAdded     = "ItemAdded"
	jellyfinEventUserDataSaved = "UserDataSaved"
	jellyfinEventPlaybackStart = "PlaybackStart"
	jellyfinEventPlaybackStop  = "PlaybackStop"

	jellyfinProviderPrefix = "Provider_"
)

var (
	jellyfinAllowedTypes  = []string{"Movie", "Episode"}
	jellyfinAllowedEvents = []string{
		jellyfinEventItemAdded,
		jellyfinEventUserDataSaved,
		jellyfinEventPlaybackStart,
		jellyfinEventPlaybackStop,
	}
	jellyfinTaintedEvents = []string{jellyfinEventPlaybackStart, jellyfinEventPlaybackStop}
)

type jellyfinPayload struct {
	NotificationType   string `json:"NotificationType"`
	ServerID           string `json:"ServerId"`
	ServerName         string `json:"ServerName"`
	UserID             string `json:"UserId"`
	ItemType           string `json:"ItemType"`
	Name               string `json:"Name"`
	SeriesName         string `json:"SeriesName"`
	Year               int    `json:"Year"`
	SeasonNumber       int    `json:"SeasonNumber"`
	EpisodeNumber      int    `json:"EpisodeNumber"`
	PremiereDate       string `json:"PremiereDate"`
	UtcTimestamp       string `json:"UtcTimestamp"`
	Played             bool   `json:"Played"`
	PlayedToCompletion bool   `json:"PlayedToCompletion"`
}

// JellyfinAdapter parses deliveries from the Jellyfin webhook plugin.
type JellyfinAdapter struct {
	*baseAdapter
}

// ParseWebhook implements Adapter.
func (a *JellyfinAdapter) ParseWebhook(request *http.Request) (state.Change, error) {
	raw, err := readBody(request)
	if err != nil || len(raw) == 0 {
		return state.Change{}, rejection.MalformedPayload("No payload.", err)
	}

	var payload jellyfinPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return state.Change{}, rejection.MalformedPayload("Invalid payload.", err)
	}
	var document map[string]any
	if err := json.Unmarshal(raw, &document); err != nil {
		return state.Change{}, rejection.MalformedPayload("Invalid payload.", err)
	}

	via := viaName(payload.ServerName)
	event := firstNonEmpty(payload.NotificationType, "unknown")

	a.saveDebugPayload(request, via, event, raw, document)

	itemType := firstNonEmpty(payload.ItemType, "not_found")
	if !contains(jellyfinAllowedTypes, itemType) {
		return state.Change{}, rejection.SoftSkip(rejection.ReasonUnsupportedType, "Not allowed Type [%s]", itemType)
	}
	if !contains(jellyfinAllowedEvents, event) {
		return state.Change{}, rejection.SoftSkip(rejection.ReasonUnsupportedEvent, "Not allowed Event [%s]", event)
	}

	if strings.TrimSpace(payload.UtcTimestamp) == "" {
		return state.Change{}, rejection.SoftSkip(rejection.ReasonMissingTimestamp, "No UtcTimestamp value is set.")
	}
	occurred, err := parseDate(payload.UtcTimestamp)
	if err != nil {
		return state.Change{}, rejection.MalformedPayload("Invalid UtcTimestamp value.", err)
	}

	entityType, err := state.NewType(itemType)
	if err != nil {
		return state.Change{}, rejection.SoftSkip(rejection.ReasonUnsupportedType, "Not allowed Type [%s]", itemType)
	}

	entity := state.Entity{
		Type:    entityType,
		Updated: occurred.Unix(),
		Watched: payload.Played || payload.PlayedToCompletion,
		Meta:    jellyfinMetadata(entityType, via, event, payload, a.now()),
	}
	applyProviderIDs(&entity, jellyfinProviderIDs(document))

	return state.Change{Entity: entity, Tainted: contains(jellyfinTaintedEvents, event)}, nil
}

func jellyfinMetadata(entityType state.Type, via, event string, payload jellyfinPayload, now time.Time) state.Metadata {
	meta := state.Metadata{
		Via:     via,
		Title:   firstNonEmpty(payload.Name, "??"),
		Year:    payload.Year,
		Date:    firstDate(now, payload.PremiereDate, yearString(payload.Year), payload.UtcTimestamp),
		Webhook: state.WebhookInfo{Event: event},
	}
	if entityType == state.TypeEpisode {
		meta.Series = firstNonEmpty(payload.SeriesName, "??")
		meta.Season = payload.SeasonNumber
		meta.Episode = payload.EpisodeNumber
	}
	return meta
}

// jellyfinProviderIDs collects the Provider_<name> keys of a delivery.
func jellyfinProviderIDs(document map[string]any) map[string]string {
	providerIDs := make(map[string]string)
	for key, value := range document {
		if !strings.HasPrefix(key, jellyfinProviderPrefix) {
			continue
		}
		provider := strings.TrimPrefix(key, jellyfinProviderPrefix)
		switch typed := value.(type) {
		case string:
			providerIDs[provider] = typed
		case float64:
			providerIDs[provider] = fmt.Sprintf("%.0f", typed)
		}
	}
	return providerIDs
}

func processJellyfinRequest(request *http.Request) RequestAttributes {
	raw, err := readBody(request)
	if err != nil || len(raw) == 0 {
		return RequestAttributes{}
	}
	var payload jellyfinPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return RequestAttributes{}
	}
	return RequestAttributes{UserID: payload.UserID, ServerID: payload.ServerID}
}
