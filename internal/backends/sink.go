package backends

import (
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/afero"
)

// PayloadSink persists raw webhook deliveries for offline inspection.
type PayloadSink struct {
	fs    afero.Fs
	dir   string
	clock func() time.Time
}

// NewPayloadSink writes dumps below dir on fs.
func NewPayloadSink(fs afero.Fs, dir string, clock func() time.Time) *PayloadSink {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if clock == nil {
		clock = time.Now
	}
	if dir == "" {
		dir = "webhooks"
	}
	return &PayloadSink{fs: fs, dir: dir, clock: clock}
}

var (
	errDumpOutsideDir = errors.New("backends: payload dump escapes the dump directory")

	dumpNameReplacer = strings.NewReplacer("/", "_", "\\", "_")
)

type payloadDump struct {
	Query   map[string][]string `json:"query"`
	Parsed  map[string][]string `json:"parsed"`
	Headers map[string][]string `json:"headers"`
	Body    string              `json:"body"`
	Payload any                 `json:"payload"`
}

// Save writes one JSON document named webhook.<name>.<unix>.json.
func (s *PayloadSink) Save(request *http.Request, name string, raw []byte, parsed any) error {
	dump := payloadDump{
		Body:    string(raw),
		Payload: parsed,
	}
	if request != nil {
		query := request.URL.Query()
		if query.Has("apikey") {
			query.Set("apikey", "[redacted]")
		}
		dump.Query = query
		dump.Parsed = request.PostForm
		dump.Headers = redactHeaders(request.Header)
	}

	encoded, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return fmt.Errorf("backends: encode payload dump: %w", err)
	}
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("backends: create dump dir: %w", err)
	}
	filename, err := s.dumpPath(name)
	if err != nil {
		return err
	}
	if err := afero.WriteFile(s.fs, filename, encoded, 0o644); err != nil {
		return fmt.Errorf("backends: write payload dump: %w", err)
	}
	return nil
}

// dumpPath keeps sender-controlled name parts inside s.dir.
func (s *PayloadSink) dumpPath(name string) (string, error) {
	base := fmt.Sprintf("webhook.%s.%d.json", dumpNameReplacer.Replace(name), s.clock().Unix())
	dir := path.Clean(s.dir)
	filename := path.Join(dir, base)
	if path.Dir(filename) != dir {
		return "", fmt.Errorf("%w: %q", errDumpOutsideDir, name)
	}
	return filename, nil
}

func redactHeaders(headers http.Header) map[string][]string {
	redacted := make(map[string][]string, len(headers))
	for key, values := range headers {
		if http.CanonicalHeaderKey(key) == "X-Apikey" {
			redacted[key] = []string{"[redacted]"}
			continue
		}
		redacted[key] = append([]string(nil), values...)
	}
	return redacted
}
