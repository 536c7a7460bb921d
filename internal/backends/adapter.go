// Package backends normalizes media-server webhook payloads into watch-state changes.
package backends

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/state"
	"go.uber.org/zap"
)

const (
	ProductPlex     = "plex"
	ProductJellyfin = "jellyfin"
	ProductEmby     = "emby"
)

var (
	// ErrUnsupportedProduct indicates that no adapter exists for a backend type.
	ErrUnsupportedProduct = errors.New("backends: unsupported backend type")
	// ErrMissingURL indicates that a backend is configured without a URL.
	ErrMissingURL = errors.New("backends: backend url is required")
	// ErrMissingProduct indicates that a backend is configured without a type.
	ErrMissingProduct = errors.New("backends: backend type is required")
)

// Adapter turns one backend product's webhook request into a state change.
type Adapter interface {
	Name() string
	Product() string
	ParseWebhook(request *http.Request) (state.Change, error)
}

// Config describes one configured backend instance.
type Config struct {
	Name string
	URL  string
}

// Dependencies are shared by every adapter instance.
type Dependencies struct {
	Debug  bool
	Sink   *PayloadSink
	Clock  func() time.Time
	Logger *zap.Logger
}

func (d Dependencies) withDefaults() Dependencies {
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return d
}

// baseAdapter holds the state every product variant shares.
type baseAdapter struct {
	name    string
	product string
	deps    Dependencies
}

func (b *baseAdapter) Name() string {
	return b.name
}

func (b *baseAdapter) Product() string {
	return b.product
}

func (b *baseAdapter) now() time.Time {
	return b.deps.Clock()
}

// saveDebugPayload writes the raw delivery to the diagnostic sink when debugging is on.
func (b *baseAdapter) saveDebugPayload(request *http.Request, via, event string, raw []byte, parsed any) {
	if !b.deps.Debug || b.deps.Sink == nil {
		return
	}
	name := fmt.Sprintf("%s.%s.%s", b.product, via, event)
	if err := b.deps.Sink.Save(request, name, raw, parsed); err != nil {
		b.deps.Logger.Warn("webhook payload dump failed",
			zap.String("backend", b.name),
			zap.String("product", b.product),
			zap.Error(err))
	}
}

type constructor func(base *baseAdapter) Adapter

type product struct {
	construct       constructor
	userAgentPrefix string
	process         func(request *http.Request) RequestAttributes
}

var products = map[string]product{
	ProductPlex: {
		construct:       func(base *baseAdapter) Adapter { return &PlexAdapter{baseAdapter: base} },
		userAgentPrefix: "PlexMediaServer/",
		process:         processPlexRequest,
	},
	ProductJellyfin: {
		construct:       func(base *baseAdapter) Adapter { return &JellyfinAdapter{baseAdapter: base} },
		userAgentPrefix: "Jellyfin-Server/",
		process:         processJellyfinRequest,
	},
	ProductEmby: {
		construct:       func(base *baseAdapter) Adapter { return &EmbyAdapter{baseAdapter: base} },
		userAgentPrefix: "Emby Server/",
		process:         processEmbyRequest,
	},
}

// Supported lists the backend types with an adapter, sorted.
func Supported() []string {
	names := make([]string, 0, len(products))
	for name := range products {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Factory builds fresh adapters for configured backends.
type Factory struct {
	deps Dependencies
}

// NewFactory returns a Factory sharing deps across all adapters it builds.
func NewFactory(deps Dependencies) *Factory {
	return &Factory{deps: deps.withDefaults()}
}

// New constructs an adapter of the given product type.
func (f *Factory) New(productType string, cfg Config) (Adapter, error) {
	deps := Dependencies{}.withDefaults()
	if f != nil {
		deps = f.deps
	}

	productType = strings.ToLower(strings.TrimSpace(productType))
	if productType == "" {
		return nil, ErrMissingProduct
	}
	registered, ok := products[productType]
	if !ok {
		return nil, fmt.Errorf("%w: expected one of [%s] but got '%s'", ErrUnsupportedProduct, strings.Join(Supported(), "|"), productType)
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, ErrMissingURL
	}
	parsedURL, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("backends: invalid backend url: %w", err)
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = parsedURL.Host
	}

	return registered.construct(&baseAdapter{
		name:    name,
		product: productType,
		deps:    deps,
	}), nil
}

// RequestAttributes are resolved from a raw request before ingress matching.
type RequestAttributes struct {
	UserID   string
	ServerID string
}

type attributesContextKey struct{}

// WithRequestAttributes stores attrs on ctx.
func WithRequestAttributes(ctx context.Context, attrs RequestAttributes) context.Context {
	return context.WithValue(ctx, attributesContextKey{}, attrs)
}

// RequestAttributesFromContext returns the attributes stored on ctx, if any.
func RequestAttributesFromContext(ctx context.Context) RequestAttributes {
	attrs, _ := ctx.Value(attributesContextKey{}).(RequestAttributes)
	return attrs
}

// ProcessRequest lets the product that sent the request extract user and server ids.
// The sender is recognized by its User-Agent; unknown senders yield empty attributes.
func ProcessRequest(request *http.Request) RequestAttributes {
	if request == nil {
		return RequestAttributes{}
	}
	userAgent := request.UserAgent()
	for _, name := range Supported() {
		registered := products[name]
		if strings.HasPrefix(userAgent, registered.userAgentPrefix) {
			return registered.process(request)
		}
	}
	return RequestAttributes{}
}
