package backends

import (
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/rejection"
	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/state"
	"github.com/goccy/go-json"
)

const (
	embyEventMarkPlayed   = "item.markplayed"
	embyEventMarkUnplayed = "item.markunplayed"
	embyEventScrobble     = "playback.scrobble"
)

var (
	embyAllowedTypes  = []string{"Movie", "Episode"}
	embyAllowedEvents = []string{embyEventMarkPlayed, embyEventMarkUnplayed, embyEventScrobble}
)

type embyPayload struct {
	Event  string    `json:"Event"`
	User   embyRef   `json:"User"`
	Server embyRef   `json:"Server"`
	Item   *embyItem `json:"Item"`
}

type embyRef struct {
	ID   string `json:"Id"`
	Name string `json:"Name"`
}

type embyItem struct {
	Type               string            `json:"Type"`
	Name               string            `json:"Name"`
	OriginalTitle      string            `json:"OriginalTitle"`
	SeriesName         string            `json:"SeriesName"`
	ProductionYear     int               `json:"ProductionYear"`
	ParentIndexNumber  int               `json:"ParentIndexNumber"`
	IndexNumber        int               `json:"IndexNumber"`
	PremiereDate       string            `json:"PremiereDate"`
	DateCreated        string            `json:"DateCreated"`
	Played             *bool             `json:"Played"`
	PlayedToCompletion *bool             `json:"PlayedToCompletion"`
	ProviderIDs        map[string]string `json:"ProviderIds"`
}

// EmbyAdapter parses Emby Server webhook notifications.
type EmbyAdapter struct {
	*baseAdapter
}

// ParseWebhook implements Adapter.
func (a *EmbyAdapter) ParseWebhook(request *http.Request) (state.Change, error) {
	raw := embyRawPayload(request)
	if len(raw) == 0 {
		return state.Change{}, rejection.MalformedPayload("No payload.", nil)
	}

	var payload embyPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return state.Change{}, rejection.MalformedPayload("No payload.", err)
	}
	if payload.Event == "" && payload.Item == nil {
		return state.Change{}, rejection.MalformedPayload("No payload.", nil)
	}

	via := viaName(payload.Server.Name)
	event := payload.Event
	if event == "" {
		event = "unknown"
	}

	a.saveDebugPayload(request, via, event, raw, payload)

	itemType := "not_found"
	if payload.Item != nil && payload.Item.Type != "" {
		itemType = payload.Item.Type
	}
	if !contains(embyAllowedTypes, itemType) {
		return state.Change{}, rejection.SoftSkip(rejection.ReasonUnsupportedType, "Not allowed Type [%s]", itemType)
	}
	if !contains(embyAllowedEvents, event) {
		return state.Change{}, rejection.SoftSkip(rejection.ReasonUnsupportedEvent, "Not allowed Event [%s]", event)
	}

	item := payload.Item
	if strings.TrimSpace(item.DateCreated) == "" {
		return state.Change{}, rejection.SoftSkip(rejection.ReasonMissingTimestamp, "No DateCreated value is set.")
	}
	created, err := parseDate(item.DateCreated)
	if err != nil {
		return state.Change{}, rejection.MalformedPayload("Invalid DateCreated value.", err)
	}

	entityType, err := state.NewType(itemType)
	if err != nil {
		return state.Change{}, rejection.SoftSkip(rejection.ReasonUnsupportedType, "Not allowed Type [%s]", itemType)
	}

	entity := state.Entity{
		Type:    entityType,
		Updated: created.Unix(),
		Watched: embyWatched(event, item),
		Meta:    embyMetadata(entityType, via, event, item, a.now()),
	}
	applyProviderIDs(&entity, item.ProviderIDs)

	return state.Change{Entity: entity}, nil
}

func embyWatched(event string, item *embyItem) bool {
	switch event {
	case embyEventMarkPlayed, embyEventScrobble:
		return true
	case embyEventMarkUnplayed:
		return false
	}
	if item.Played != nil {
		return *item.Played
	}
	if item.PlayedToCompletion != nil {
		return *item.PlayedToCompletion
	}
	return false
}

func embyMetadata(entityType state.Type, via, event string, item *embyItem, now time.Time) state.Metadata {
	meta := state.Metadata{
		Via:     via,
		Title:   firstNonEmpty(item.Name, item.OriginalTitle, "??"),
		Year:    item.ProductionYear,
		Webhook: state.WebhookInfo{Event: event},
	}
	if entityType == state.TypeMovie {
		meta.Date = firstDate(now, item.PremiereDate, yearString(item.ProductionYear), item.DateCreated)
		return meta
	}
	meta.Series = firstNonEmpty(item.SeriesName, "??")
	meta.Season = item.ParentIndexNumber
	meta.Episode = item.IndexNumber
	meta.Date = firstDate(now, item.PremiereDate, yearString(item.ProductionYear))
	return meta
}

func processEmbyRequest(request *http.Request) RequestAttributes {
	raw := embyRawPayload(request)
	if len(raw) == 0 {
		return RequestAttributes{}
	}
	var payload embyPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return RequestAttributes{}
	}
	return RequestAttributes{UserID: payload.User.ID, ServerID: payload.Server.ID}
}

// embyRawPayload returns the JSON document from the "data" form field, or the body
// itself when Emby posts application/json.
func embyRawPayload(request *http.Request) []byte {
	if request == nil {
		return nil
	}
	if strings.HasPrefix(request.Header.Get("Content-Type"), "application/json") {
		body, err := readBody(request)
		if err != nil {
			return nil
		}
		return body
	}
	return []byte(formValue(request, "data"))
}

func contains(values []string, candidate string) bool {
	for _, value := range values {
		if value == candidate {
			return true
		}
	}
	return false
}
