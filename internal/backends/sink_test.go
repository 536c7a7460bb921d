package backends

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/afero"
)

func formatUnix(moment time.Time) string {
	return strconv.FormatInt(moment.Unix(), 10)
}

func TestPayloadSinkRedactsCredentials(t *testing.T) {
	fs := afero.NewMemMapFs()
	sink := NewPayloadSink(fs, "", func() time.Time { return fixedNow })

	request := httptest.NewRequest(http.MethodPost, "/webhook?apikey=secret&debug=1", strings.NewReader("{}"))
	request.Header.Set("X-Apikey", "secret")
	request.Header.Set("User-Agent", "Emby Server/4.7")

	if err := sink.Save(request, "emby.Home.item.markplayed", []byte(`{"Event":"item.markplayed"}`), map[string]string{"Event": "item.markplayed"}); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	contents, err := afero.ReadFile(fs, "webhooks/webhook.emby.Home.item.markplayed."+formatUnix(fixedNow)+".json")
	if err != nil {
		t.Fatalf("dump not written: %v", err)
	}
	if strings.Contains(string(contents), "secret") {
		t.Fatalf("credentials leaked into dump: %s", contents)
	}

	var dump payloadDump
	if err := json.Unmarshal(contents, &dump); err != nil {
		t.Fatalf("dump is not valid json: %v", err)
	}
	if dump.Query["debug"][0] != "1" || dump.Body != `{"Event":"item.markplayed"}` {
		t.Fatalf("unexpected dump %#v", dump)
	}
	if dump.Headers["User-Agent"][0] != "Emby Server/4.7" {
		t.Fatalf("expected headers to be kept")
	}
}

func TestPayloadSinkFailureDoesNotFailParsing(t *testing.T) {
	sink := NewPayloadSink(afero.NewReadOnlyFs(afero.NewMemMapFs()), "dumps", nil)
	adapter := newTestAdapter(t, ProductEmby, Dependencies{Debug: true, Sink: sink})

	if _, err := adapter.ParseWebhook(newEmbyRequest(embyEpisodePayload)); err != nil {
		t.Fatalf("sink failures must not reject deliveries: %v", err)
	}
}

func TestPayloadSinkKeepsDumpsInsideDir(t *testing.T) {
	fs := afero.NewMemMapFs()
	sink := NewPayloadSink(fs, "/srv/dumps", func() time.Time { return fixedNow })
	adapter := newTestAdapter(t, ProductEmby, Dependencies{Debug: true, Sink: sink})

	data := `{"Event":"x/../../other/pwn","Server":{"Name":"..\\..\\up"},"Item":{"Type":"Movie"}}`
	if _, err := adapter.ParseWebhook(newEmbyRequest(data)); err == nil {
		t.Fatalf("expected unsupported event to be skipped")
	}

	if exists, _ := afero.DirExists(fs, "/srv/other"); exists {
		t.Fatalf("dump escaped the dump directory")
	}
	entries, err := afero.ReadDir(fs, "/srv/dumps")
	if err != nil {
		t.Fatalf("read dump dir failed: %v", err)
	}
	if len(entries) != 1 || strings.Contains(entries[0].Name(), "/") {
		t.Fatalf("expected one dump inside /srv/dumps, got %d", len(entries))
	}
	want := "webhook.emby..._.._up.x_.._.._other_pwn." + formatUnix(fixedNow) + ".json"
	if entries[0].Name() != want {
		t.Fatalf("unexpected dump name %q", entries[0].Name())
	}
}
