package state

import (
	"errors"
	"fmt"
	"strings"
)

// Type enumerates the media kinds that carry watch state.
type Type string

const (
	// TypeMovie marks a movie entity.
	TypeMovie Type = "movie"
	// TypeEpisode marks a single episode of a series.
	TypeEpisode Type = "episode"
)

// Namespace names an external catalog an identifier belongs to.
type Namespace string

const (
	NamespacePlex   Namespace = "plex"
	NamespaceIMDB   Namespace = "imdb"
	NamespaceTVDB   Namespace = "tvdb"
	NamespaceTMDB   Namespace = "tmdb"
	NamespaceTVMaze Namespace = "tvmaze"
	NamespaceTVRage Namespace = "tvrage"
	NamespaceAniDB  Namespace = "anidb"
)

// Namespaces lists the supported identifier vocabulary in storage column order.
var Namespaces = []Namespace{
	NamespacePlex,
	NamespaceIMDB,
	NamespaceTVDB,
	NamespaceTMDB,
	NamespaceTVMaze,
	NamespaceTVRage,
	NamespaceAniDB,
}

// ErrInvalidType indicates that a media type is outside the supported set.
var ErrInvalidType = errors.New("state: invalid entity type")

// NewType validates raw input and returns a Type.
func NewType(rawInput string) (Type, error) {
	switch Type(strings.ToLower(strings.TrimSpace(rawInput))) {
	case TypeMovie:
		return TypeMovie, nil
	case TypeEpisode:
		return TypeEpisode, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidType, rawInput)
	}
}

// Column returns the storage column backing the namespace.
func (ns Namespace) Column() string {
	return "guid_" + string(ns)
}

// WebhookInfo records which webhook event produced the metadata.
type WebhookInfo struct {
	Event string `json:"event,omitempty"`
}

// Metadata carries display and audit data. It never participates in identity.
type Metadata struct {
	Via     string      `json:"via,omitempty"`
	Title   string      `json:"title,omitempty"`
	Series  string      `json:"series,omitempty"`
	Year    int         `json:"year,omitempty"`
	Season  int         `json:"season,omitempty"`
	Episode int         `json:"episode,omitempty"`
	Date    string      `json:"date,omitempty"`
	Webhook WebhookInfo `json:"webhook"`
}

// IsEmpty reports whether no metadata field is populated.
func (m Metadata) IsEmpty() bool {
	return m == Metadata{}
}

// Entity is the persisted watch-state record for one movie or one episode.
type Entity struct {
	ID         int64    `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Type       Type     `gorm:"column:type;size:16;not null;index:idx_state_type_updated,priority:1" json:"type"`
	Updated    int64    `gorm:"column:updated;not null;index:idx_state_type_updated,priority:2" json:"updated"`
	Watched    bool     `gorm:"column:watched;not null;default:false" json:"watched"`
	Meta       Metadata `gorm:"column:meta;type:text;serializer:json" json:"meta"`
	GUIDPlex   string   `gorm:"column:guid_plex;size:190;index" json:"guid_plex"`
	GUIDIMDB   string   `gorm:"column:guid_imdb;size:190;index" json:"guid_imdb"`
	GUIDTVDB   string   `gorm:"column:guid_tvdb;size:190;index" json:"guid_tvdb"`
	GUIDTMDB   string   `gorm:"column:guid_tmdb;size:190;index" json:"guid_tmdb"`
	GUIDTVMaze string   `gorm:"column:guid_tvmaze;size:190;index" json:"guid_tvmaze"`
	GUIDTVRage string   `gorm:"column:guid_tvrage;size:190;index" json:"guid_tvrage"`
	GUIDAniDB  string   `gorm:"column:guid_anidb;size:190;index" json:"guid_anidb"`
}

// TableName provides the explicit table binding for GORM.
func (Entity) TableName() string {
	return "state"
}

func (e *Entity) guidField(ns Namespace) *string {
	switch ns {
	case NamespacePlex:
		return &e.GUIDPlex
	case NamespaceIMDB:
		return &e.GUIDIMDB
	case NamespaceTVDB:
		return &e.GUIDTVDB
	case NamespaceTMDB:
		return &e.GUIDTMDB
	case NamespaceTVMaze:
		return &e.GUIDTVMaze
	case NamespaceTVRage:
		return &e.GUIDTVRage
	case NamespaceAniDB:
		return &e.GUIDAniDB
	default:
		return nil
	}
}

// GUID returns the identifier stored for the namespace, or "".
func (e Entity) GUID(ns Namespace) string {
	field := e.guidField(ns)
	if field == nil {
		return ""
	}
	return *field
}

// SetGUID stores value under the namespace. Unknown namespaces are ignored.
func (e *Entity) SetGUID(ns Namespace, value string) {
	field := e.guidField(ns)
	if field == nil {
		return
	}
	*field = strings.TrimSpace(value)
}

// GUIDs returns the populated identifiers keyed by namespace.
func (e Entity) GUIDs() map[Namespace]string {
	guids := make(map[Namespace]string, len(Namespaces))
	for _, ns := range Namespaces {
		if value := e.GUID(ns); value != "" {
			guids[ns] = value
		}
	}
	return guids
}

// HasGuids reports whether the entity is sync-eligible.
func (e Entity) HasGuids() bool {
	for _, ns := range Namespaces {
		if e.GUID(ns) != "" {
			return true
		}
	}
	return false
}

// Pointers returns one "namespace://id" key per populated identifier, in namespace order.
func (e Entity) Pointers() []string {
	pointers := make([]string, 0, len(Namespaces))
	for _, ns := range Namespaces {
		if value := e.GUID(ns); value != "" {
			pointers = append(pointers, string(ns)+"://"+value)
		}
	}
	return pointers
}

// Fields returns the full field set in the shape used for responses and queue snapshots.
func (e Entity) Fields() map[string]any {
	fields := map[string]any{
		"id":      e.ID,
		"type":    e.Type,
		"updated": e.Updated,
		"watched": e.Watched,
		"meta":    e.Meta,
	}
	for _, ns := range Namespaces {
		fields[ns.Column()] = e.GUID(ns)
	}
	return fields
}

// Change is the request-scoped incoming change-set built from one webhook delivery.
// Tainted marks that only the identifiers of Entity can be trusted.
type Change struct {
	Entity  Entity
	Tainted bool
}
