// Package recent implements the syndication feature: it records accepted
// uploads in its own durable log and serves them as an RSS feed.
package recent

import (
	"encoding/xml"
	"net/http"

	"github.com/atwupack/hackage-server/internal/errs"
	"github.com/atwupack/hackage-server/internal/feature"
	"github.com/atwupack/hackage-server/internal/httputil"
	"github.com/atwupack/hackage-server/internal/routing"
	"github.com/atwupack/hackage-server/internal/state"
	"github.com/atwupack/hackage-server/features/core"
)

// FeatureName identifies this feature.
const FeatureName = "recent"

// maxEntries bounds the recent-uploads log.
const maxEntries = 25

// Entry is one recorded upload.
type Entry struct {
	Package  string `json:"package"`
	Version  string `json:"version"`
	Uploader string `json:"uploader"`
	Time     string `json:"time"` // RFC1123Z, ready for the feed
}

// Log is the in-memory value of the recent state component. Newest
// entries come last.
type Log struct {
	Entries []Entry `json:"entries"`
}

type recentCodec struct {
	state.JSONCodec[Log, Entry]
}

func (recentCodec) Empty() Log { return Log{} }

func (recentCodec) Validate(_ Log, ev Entry) error {
	if ev.Package == "" || ev.Version == "" {
		return errs.Validation("recent entry needs package and version")
	}
	return nil
}

func (recentCodec) Apply(l Log, ev Entry) Log {
	entries := make([]Entry, 0, len(l.Entries)+1)
	entries = append(entries, l.Entries...)
	entries = append(entries, ev)
	if len(entries) > maxEntries {
		entries = entries[len(entries)-maxEntries:]
	}
	l.Entries = entries
	return l
}

// Handle is the feature's public interface.
type Handle struct {
	log     *state.Component[Log, Entry]
	baseURI string
}

// New declares the recent feature. It depends on core to learn about
// accepted uploads.
func New() feature.Constructor {
	return feature.Constructor{
		Name:    FeatureName,
		Depends: []string{core.FeatureName},
		Init: func(env *feature.Env, deps feature.Handles) (*feature.Feature, error) {
			raw, ok := deps.Get(core.FeatureName)
			if !ok {
				return nil, errs.Config("recent feature requires the core feature")
			}
			coreHandle, ok := raw.(*core.Handle)
			if !ok {
				return nil, errs.Config("unexpected core handle type")
			}

			log, err := state.Open(env.DataDir, "recent", recentCodec{}, env.Log)
			if err != nil {
				return nil, err
			}

			h := &Handle{log: log, baseURI: env.BaseURI}

			coreHandle.Subscribe(func(u core.Upload) {
				err := h.log.Update(Entry{
					Package:  u.Package,
					Version:  u.Version,
					Uploader: u.Uploader,
					Time:     u.Time,
				})
				if err != nil {
					env.Log.Component(FeatureName).WithError(err).Warn("could not record upload")
				}
			})

			f := &feature.Feature{
				Resources: []routing.Resource{
					{Pattern: "/packages/recent.rss", Handler: h.handleFeed},
				},
				State:  []state.Persistent{log},
				Handle: h,
			}
			return f, nil
		},
	}
}

// Entries returns the recorded uploads, newest last.
func (h *Handle) Entries() []Entry {
	var out []Entry
	h.log.Query(func(l Log) {
		out = append(out, l.Entries...)
	})
	return out
}

type rssFeed struct {
	XMLName xml.Name   `xml:"rss"`
	Version string     `xml:"version,attr"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title       string    `xml:"title"`
	Link        string    `xml:"link"`
	Description string    `xml:"description"`
	Items       []rssItem `xml:"item"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	Description string `xml:"description"`
	PubDate     string `xml:"pubDate"`
	GUID        string `xml:"guid"`
}

// handleFeed serves the recent uploads as RSS, newest first.
func (h *Handle) handleFeed(w http.ResponseWriter, r *http.Request, _ routing.Params) {
	if r.Method != http.MethodGet {
		httputil.WritePlain(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	entries := h.Entries()
	items := make([]rssItem, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		link := h.baseURI + "/packages/" + e.Package + "/" + e.Version + "/" + e.Package + "-" + e.Version + ".tar.gz"
		items = append(items, rssItem{
			Title:       e.Package + " " + e.Version,
			Link:        link,
			Description: "Uploaded by " + e.Uploader,
			PubDate:     e.Time,
			GUID:        link,
		})
	}

	feed := rssFeed{
		Version: "2.0",
		Channel: rssChannel{
			Title:       "Recent package uploads",
			Link:        h.baseURI + "/packages/",
			Description: "The latest packages published to this server",
			Items:       items,
		},
	}

	body, err := xml.MarshalIndent(feed, "", "  ")
	if err != nil {
		httputil.InternalError(w, "feed rendering failed")
		return
	}

	httputil.WriteBytes(w, http.StatusOK, httputil.ContentTypeRSS,
		append([]byte(xml.Header), body...))
}
