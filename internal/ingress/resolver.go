// Package ingress authenticates webhook deliveries and picks the backend they came from.
package ingress

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/backends"
	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/config"
	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/rejection"
)

const (
	// HeaderAPIKey carries the webhook token.
	HeaderAPIKey = "X-Apikey"
	// QueryAPIKey is the fallback when the sender cannot set headers.
	QueryAPIKey = "apikey"
)

// AdapterFactory builds a fresh adapter for a matched backend.
type AdapterFactory interface {
	New(productType string, cfg backends.Config) (backends.Adapter, error)
}

// Match is a resolved backend with its adapter.
type Match struct {
	Backend config.BackendConfig
	Adapter backends.Adapter
}

// Resolver maps a delivery's API key onto one configured backend.
type Resolver struct {
	servers []config.BackendConfig
	factory AdapterFactory
}

// NewResolver scans servers in the given order.
func NewResolver(servers []config.BackendConfig, factory AdapterFactory) *Resolver {
	return &Resolver{
		servers: append([]config.BackendConfig(nil), servers...),
		factory: factory,
	}
}

// Resolve authenticates request. Request attributes used for user and uuid
// constraints are read from the request context.
func (r *Resolver) Resolve(request *http.Request) (Match, error) {
	apiKey := APIKey(request)
	if apiKey == "" {
		return Match{}, rejection.MissingCredential()
	}
	attrs := backends.RequestAttributesFromContext(request.Context())

	candidate := []byte(apiKey)
	for _, server := range r.servers {
		token := server.Webhook.Token
		if token == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(token), candidate) != 1 {
			continue
		}
		if user := server.Webhook.Match.User; user != "" && user != attrs.UserID {
			continue
		}
		if uuid := server.Webhook.Match.UUID; uuid != "" && uuid != attrs.ServerID {
			continue
		}
		return r.accept(server)
	}
	return Match{}, rejection.InvalidCredential()
}

func (r *Resolver) accept(server config.BackendConfig) (Match, error) {
	if !server.Webhook.Import {
		return Match{}, rejection.ImportDisabled(server.Name)
	}
	if r.factory == nil {
		return Match{}, rejection.Misconfiguration("No backend adapter factory is configured.", nil)
	}
	adapter, err := r.factory.New(server.Type, backends.Config{Name: server.Name, URL: server.URL})
	if err != nil {
		return Match{}, rejection.Misconfiguration("Failed to construct backend client for '"+server.Name+"'.", err)
	}
	return Match{Backend: server, Adapter: adapter}, nil
}

// APIKey returns the credential from the header, falling back to the query string.
func APIKey(request *http.Request) string {
	if request == nil {
		return ""
	}
	if key := strings.TrimSpace(request.Header.Get(HeaderAPIKey)); key != "" {
		return key
	}
	if request.URL == nil {
		return ""
	}
	return strings.TrimSpace(request.URL.Query().Get(QueryAPIKey))
}
