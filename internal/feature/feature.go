// Package feature defines how independently developed server modules are
// declared and composed. A feature constructor names the features it
// depends on; the server initializes constructors in dependency order and
// hands each one the public handles of the features that came before it.
package feature

import (
	"net/http"
	"time"

	"github.com/atwupack/hackage-server/internal/blobstore"
	"github.com/atwupack/hackage-server/internal/errs"
	"github.com/atwupack/hackage-server/internal/logging"
	"github.com/atwupack/hackage-server/internal/routing"
	"github.com/atwupack/hackage-server/internal/state"
)

// Env is the process-wide shared context. It is read-only after
// construction and referenced by every feature.
type Env struct {
	// DataDir is the root for state component storage areas.
	DataDir string
	// StaticDir holds static assets.
	StaticDir string
	// TemplateDir holds HTML templates.
	TemplateDir string
	// TmpDir holds scratch files; empty means the OS default.
	TmpDir string
	// BaseURI is the externally visible base URI of the server.
	BaseURI string
	// CheckpointInterval is the period of the checkpoint timer.
	CheckpointInterval time.Duration
	// Blobs is the open content-addressed blob store.
	Blobs *blobstore.Store
	// Log is the configured process logger.
	Log *logging.Logger
}

// ErrorRenderer renders error responses for one content type. The server
// consults feature-declared renderers in reverse registration order,
// after its built-in plain-text fallback; the first content-type match
// wins.
type ErrorRenderer struct {
	ContentType string
	Render      func(w http.ResponseWriter, status int, msg string)
}

// Feature is an initialized module: the resources, state components and
// error renderers it contributes, its public handle, and its lifecycle
// hooks.
type Feature struct {
	// Name identifies the feature; unique across the server.
	Name string
	// Resources are the feature's HTTP endpoints.
	Resources []routing.Resource
	// State lists the feature's durable components, checkpointed and
	// backed up by the server.
	State []state.Persistent
	// ErrorRenderers are content-type-specific error page renderers.
	ErrorRenderers []ErrorRenderer
	// Handle is the feature's public interface, consumable by features
	// initialized later.
	Handle any
	// CheckpointHook runs after the feature's components checkpoint.
	CheckpointHook func() error
	// ShutdownHook releases handles the feature owns outside its
	// state components.
	ShutdownHook func() error
}

// Handles exposes already-initialized features to an Init function.
type Handles map[string]any

// Get returns the named feature's handle.
func (h Handles) Get(name string) (any, bool) {
	v, ok := h[name]
	return v, ok
}

// Constructor declares a feature before initialization.
type Constructor struct {
	// Name is the feature's identity.
	Name string
	// Depends lists features whose handles Init consumes. Init only
	// runs after every named feature has finished initializing.
	Depends []string
	// Init builds the feature. It receives the shared environment and
	// the handles of all features it depends on.
	Init func(env *Env, deps Handles) (*Feature, error)
}

// Order topologically sorts constructors by their declared dependencies,
// preserving registration order among independent features. A missing
// dependency or a cycle is a conflict error.
func Order(ctors []Constructor) ([]Constructor, error) {
	byName := make(map[string]*Constructor, len(ctors))
	for i := range ctors {
		c := &ctors[i]
		if _, dup := byName[c.Name]; dup {
			return nil, errs.Conflict("feature %q registered twice", c.Name)
		}
		byName[c.Name] = c
	}

	const (
		unvisited = iota
		visiting
		done
	)
	mark := make(map[string]int, len(ctors))
	ordered := make([]Constructor, 0, len(ctors))

	var visit func(c *Constructor) error
	visit = func(c *Constructor) error {
		switch mark[c.Name] {
		case done:
			return nil
		case visiting:
			return errs.Conflict("feature dependency cycle through %q", c.Name)
		}
		mark[c.Name] = visiting
		for _, dep := range c.Depends {
			d, ok := byName[dep]
			if !ok {
				return errs.Conflict("feature %q depends on unknown feature %q", c.Name, dep)
			}
			if err := visit(d); err != nil {
				return err
			}
		}
		mark[c.Name] = done
		ordered = append(ordered, *c)
		return nil
	}

	for i := range ctors {
		if err := visit(&ctors[i]); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}
