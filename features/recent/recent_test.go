package recent

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/atwupack/hackage-server/internal/errs"
	"github.com/atwupack/hackage-server/internal/logging"
	"github.com/atwupack/hackage-server/internal/state"
)

func entry(i int) Entry {
	return Entry{
		Package:  fmt.Sprintf("pkg%d", i),
		Version:  "1.0",
		Uploader: "alice",
		Time:     "Mon, 02 Jan 2006 15:04:05 +0000",
	}
}

func TestLogKeepsNewestEntries(t *testing.T) {
	codec := recentCodec{}
	l := codec.Empty()
	for i := 0; i < maxEntries+10; i++ {
		l = codec.Apply(l, entry(i))
	}

	if len(l.Entries) != maxEntries {
		t.Fatalf("log holds %d entries, want %d", len(l.Entries), maxEntries)
	}
	if got, want := l.Entries[0].Package, fmt.Sprintf("pkg%d", 10); got != want {
		t.Errorf("oldest surviving entry = %s, want %s", got, want)
	}
	if got, want := l.Entries[maxEntries-1].Package, fmt.Sprintf("pkg%d", maxEntries+9); got != want {
		t.Errorf("newest entry = %s, want %s", got, want)
	}
}

func TestLogValidation(t *testing.T) {
	codec := recentCodec{}
	l := codec.Empty()

	if err := codec.Validate(l, Entry{Version: "1.0"}); !errs.IsValidation(err) {
		t.Errorf("Validate(no package) error = %v, want validation", err)
	}
	if err := codec.Validate(l, Entry{Package: "lens"}); !errs.IsValidation(err) {
		t.Errorf("Validate(no version) error = %v, want validation", err)
	}
	if err := codec.Validate(l, entry(1)); err != nil {
		t.Errorf("Validate(good entry) failed: %v", err)
	}
}

func TestFeedRendersNewestFirst(t *testing.T) {
	log, err := state.Open(t.TempDir(), "recent", recentCodec{}, logging.Discard())
	if err != nil {
		t.Fatalf("open component: %v", err)
	}
	defer log.Close()

	h := &Handle{log: log, baseURI: "http://example.org"}
	for i := 0; i < 3; i++ {
		if err := h.log.Update(entry(i)); err != nil {
			t.Fatalf("record entry: %v", err)
		}
	}

	rec := httptest.NewRecorder()
	h.handleFeed(rec, httptest.NewRequest(http.MethodGet, "/packages/recent.rss", nil), nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/rss+xml" {
		t.Errorf("Content-Type = %q", ct)
	}

	body := rec.Body.String()
	if !strings.HasPrefix(body, "<?xml") {
		t.Errorf("feed body missing XML header: %q", body[:40])
	}
	// Newest upload leads the feed.
	if strings.Index(body, "pkg2 1.0") > strings.Index(body, "pkg0 1.0") {
		t.Error("feed is not newest-first")
	}
	if !strings.Contains(body, "http://example.org/packages/pkg1/1.0/pkg1-1.0.tar.gz") {
		t.Error("feed items missing download links")
	}
	if !strings.Contains(body, "Uploaded by alice") {
		t.Error("feed items missing uploader")
	}
}
