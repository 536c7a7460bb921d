package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/backends"
	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/config"
	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/ingress"
	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/queue"
	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/reconcile"
	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/state"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type webhookHarness struct {
	handler    http.Handler
	repository *state.Repository
	queue      *queue.Queue
	logs       *observer.ObservedLogs
}

func newWebhookHarness(t *testing.T) webhookHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&state.Entity{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	repository, err := state.NewRepository(state.RepositoryConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build repository: %v", err)
	}
	pushQueue, err := queue.New(cache.NewMemoryStore())
	if err != nil {
		t.Fatalf("failed to build queue: %v", err)
	}

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	engine, err := reconcile.NewEngine(reconcile.Config{Storage: repository, Queue: pushQueue, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	servers := []config.BackendConfig{
		{
			Name: "home", Type: "emby", URL: "http://emby.local",
			Webhook: config.WebhookConfig{Token: "emby-secret", Import: true},
		},
		{
			Name: "attic", Type: "plex", URL: "http://plex.local",
			Webhook: config.WebhookConfig{Token: "plex-secret"},
		},
		{
			Name: "kodi", Type: "kodi", URL: "http://kodi.local",
			Webhook: config.WebhookConfig{Token: "kodi-secret", Import: true},
		},
	}
	resolver := ingress.NewResolver(servers, backends.NewFactory(backends.Dependencies{Logger: logger}))

	handler, err := NewHTTPHandler(Dependencies{Resolver: resolver, Engine: engine, Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return webhookHarness{handler: handler, repository: repository, queue: pushQueue, logs: logs}
}

func (h webhookHarness) deliver(apiKey, data string) *httptest.ResponseRecorder {
	form := url.Values{}
	form.Set("data", data)
	request := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(form.Encode()))
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	request.Header.Set("User-Agent", "Emby Server/4.7.11.0")
	if apiKey != "" {
		request.Header.Set(ingress.HeaderAPIKey, apiKey)
	}
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, request)
	return recorder
}

func embyDelivery(event string, created string, providers string) string {
	return `{"Event":"` + event + `","Server":{"Name":"Home"},"Item":{"Type":"Episode","Name":"Pilot","SeriesName":"Show",` +
		`"ParentIndexNumber":1,"IndexNumber":3,"DateCreated":"` + created + `","ProviderIds":` + providers + `}}`
}

func TestWebhookCreatesEntity(t *testing.T) {
	harness := newWebhookHarness(t)

	recorder := harness.deliver("emby-secret", embyDelivery("item.markplayed", "1970-01-01T00:16:40Z", `{"Imdb":"tt1"}`))
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected json body: %v", err)
	}
	if body["watched"] != true || body["guid_imdb"] != "tt1" || body["updated"] != float64(1000) {
		t.Fatalf("unexpected body %#v", body)
	}
	if recorder.Header().Get(headerRequestID) == "" {
		t.Fatalf("expected request id header")
	}

	pending, err := harness.queue.Pending(context.Background())
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].GUIDIMDB != "tt1" {
		t.Fatalf("expected one queued entity, got %#v", pending)
	}
}

func TestWebhookStaleDeliveryMergesIdentityOnly(t *testing.T) {
	harness := newWebhookHarness(t)
	ctx := context.Background()
	if _, err := harness.repository.Insert(ctx, state.Entity{Type: state.TypeEpisode, Watched: false, Updated: 2000, GUIDIMDB: "tt1"}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	recorder := harness.deliver("emby-secret", embyDelivery("item.markplayed", "1970-01-01T00:25:00Z", `{"Imdb":"tt1","Tmdb":"55"}`))
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	if !strings.Contains(recorder.Header().Get(headerStatus), "older") {
		t.Fatalf("unexpected status header %q", recorder.Header().Get(headerStatus))
	}

	stored, err := harness.repository.Get(ctx, state.Entity{Type: state.TypeEpisode, GUIDIMDB: "tt1"})
	if err != nil || stored == nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if stored.Watched || stored.Updated != 2000 || stored.GUIDTMDB != "55" {
		t.Fatalf("unexpected persisted record %#v", stored)
	}
	pending, _ := harness.queue.Pending(ctx)
	if len(pending) != 0 {
		t.Fatalf("stale delivery must not be queued")
	}
}

func TestWebhookResponses(t *testing.T) {
	testCases := []struct {
		name       string
		apiKey     string
		data       string
		wantStatus int
		wantHeader string
		wantJSON   bool
	}{
		{"no credential", "", embyDelivery("item.markplayed", "2020-01-01T00:00:00Z", `{"Imdb":"tt1"}`), http.StatusBadRequest, "", true},
		{"invalid credential", "wrong", embyDelivery("item.markplayed", "2020-01-01T00:00:00Z", `{"Imdb":"tt1"}`), http.StatusUnauthorized, "", true},
		{"import disabled", "plex-secret", embyDelivery("item.markplayed", "2020-01-01T00:00:00Z", `{"Imdb":"tt1"}`), http.StatusInternalServerError, "", true},
		{"misconfigured backend", "kodi-secret", embyDelivery("item.markplayed", "2020-01-01T00:00:00Z", `{"Imdb":"tt1"}`), http.StatusInternalServerError, "", true},
		{"malformed payload", "emby-secret", "{", http.StatusBadRequest, "", true},
		{"soft skip", "emby-secret", `{"Event":"item.rate","Item":{"Type":"Movie"}}`, http.StatusOK, "Not allowed Event [item.rate]", false},
		{"no identifiers", "emby-secret", embyDelivery("item.markplayed", "2020-01-01T00:00:00Z", `{}`), http.StatusNoContent, "No GUIDs.", false},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			harness := newWebhookHarness(t)
			recorder := harness.deliver(testCase.apiKey, testCase.data)
			if recorder.Code != testCase.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", testCase.wantStatus, recorder.Code, recorder.Body.String())
			}
			if testCase.wantHeader != "" && recorder.Header().Get(headerStatus) != testCase.wantHeader {
				t.Fatalf("unexpected status header %q", recorder.Header().Get(headerStatus))
			}
			if testCase.wantJSON {
				var payload errorResponsePayload
				if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil || !payload.Error || payload.Message == "" {
					t.Fatalf("expected json error body, got %s", recorder.Body.String())
				}
			} else if recorder.Body.Len() != 0 {
				t.Fatalf("expected empty body, got %s", recorder.Body.String())
			}
		})
	}
}

func TestWebhookRedeliveryIsNoop(t *testing.T) {
	harness := newWebhookHarness(t)
	data := embyDelivery("item.markplayed", "2020-01-01T00:00:00Z", `{"Tvdb":"77"}`)

	if recorder := harness.deliver("emby-secret", data); recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	recorder := harness.deliver("emby-secret", data)
	if recorder.Code != http.StatusOK || recorder.Body.Len() != 0 {
		t.Fatalf("expected empty no-op response, got %d %s", recorder.Code, recorder.Body.String())
	}
	if recorder.Header().Get(headerStatus) != "Entity is unchanged." {
		t.Fatalf("unexpected status header %q", recorder.Header().Get(headerStatus))
	}
}

func TestWebhookLoggingLevels(t *testing.T) {
	harness := newWebhookHarness(t)

	harness.deliver("emby-secret", `{"Event":"item.rate","Item":{"Type":"Movie"}}`)
	if entries := harness.logs.FilterMessage("webhook skipped").All(); len(entries) != 1 || entries[0].Level != zapcore.DebugLevel {
		t.Fatalf("soft skips must log once at debug, got %#v", entries)
	}

	harness.deliver("emby-secret", "{")
	warnings := harness.logs.FilterMessage("webhook rejected").FilterLevelExact(zapcore.WarnLevel).All()
	if len(warnings) != 1 || warnings[0].ContextMap()["class"] != "malformed_payload" {
		t.Fatalf("malformed payloads must log a warning, got %#v", warnings)
	}

	harness.deliver("plex-secret", "{}")
	errorsLogged := harness.logs.FilterMessage("webhook rejected").FilterLevelExact(zapcore.ErrorLevel).All()
	if len(errorsLogged) != 1 || errorsLogged[0].ContextMap()["reason"] != "import_disabled" {
		t.Fatalf("misconfiguration must log an error, got %#v", errorsLogged)
	}
}

func TestHealthz(t *testing.T) {
	harness := newWebhookHarness(t)
	recorder := httptest.NewRecorder()
	harness.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
}

func TestNewHTTPHandlerValidatesDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err == nil {
		t.Fatalf("expected missing dependency error")
	}
}

func TestWebhookOutcomesAreExported(t *testing.T) {
	harness := newWebhookHarness(t)
	harness.deliver("emby-secret", embyDelivery("item.markplayed", "2020-01-01T00:00:00Z", `{"Tmdb":"9001"}`))

	recorder := httptest.NewRecorder()
	harness.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), `watchstate_webhook_outcomes_total{backend="home",outcome="created"}`) {
		t.Fatalf("expected outcome counter in metrics output")
	}
}
