// Package core implements the package-index feature: uploads go into the
// content-addressed blob store and the durable index, and the feature
// serves the index tarball, per-package archives and package descriptor
// files.
package core

import (
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/atwupack/hackage-server/internal/blobstore"
	"github.com/atwupack/hackage-server/internal/errs"
	"github.com/atwupack/hackage-server/internal/feature"
	"github.com/atwupack/hackage-server/internal/routing"
	"github.com/atwupack/hackage-server/internal/state"
	"github.com/atwupack/hackage-server/features/users"
)

// FeatureName is the name other features use to depend on this one.
const FeatureName = "core"

// Upload describes one accepted release, as delivered to subscribers.
type Upload struct {
	Package  string
	Version  string
	Uploader string
	Time     string
}

// Authenticator is the slice of the users handle this feature needs.
type Authenticator interface {
	Authenticate(name, password string) error
}

// Handle is the feature's public interface.
type Handle struct {
	index *state.Component[Index, IndexEvent]
	blobs *blobstore.Store
	auth  Authenticator

	uploadLimiter *rate.Limiter

	mu          sync.RWMutex
	subscribers []func(Upload)
}

// New declares the core feature. It depends on the users feature for
// upload authentication.
func New() feature.Constructor {
	return feature.Constructor{
		Name:    FeatureName,
		Depends: []string{users.FeatureName},
		Init: func(env *feature.Env, deps feature.Handles) (*feature.Feature, error) {
			raw, ok := deps.Get(users.FeatureName)
			if !ok {
				return nil, errs.Config("core feature requires the users feature")
			}
			auth, ok := raw.(Authenticator)
			if !ok {
				return nil, errs.Config("users handle does not authenticate")
			}

			index, err := state.Open(env.DataDir, "packages", indexCodec{}, env.Log)
			if err != nil {
				return nil, err
			}

			h := &Handle{
				index: index,
				blobs: env.Blobs,
				auth:  auth,
				// Uploads are expensive (tarball parse + two blob
				// writes); 2/s with a small burst keeps one client from
				// monopolizing the store.
				uploadLimiter: rate.NewLimiter(2, 5),
			}

			f := &feature.Feature{
				Resources: []routing.Resource{
					{Pattern: "/packages/", Handler: h.handleListing},
					{Pattern: "/packages/index.tar.gz", Handler: h.handleIndexTarball},
					{Pattern: "/packages/{package}/{version}/{file}", Handler: h.handleRelease},
				},
				State:  []state.Persistent{index},
				Handle: h,
			}
			return f, nil
		},
	}
}

// Subscribe registers a callback invoked after every accepted upload.
// Intended for features initialized after this one; callbacks run on the
// uploading request's goroutine.
func (h *Handle) Subscribe(fn func(Upload)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers = append(h.subscribers, fn)
}

func (h *Handle) notify(u Upload) {
	h.mu.RLock()
	subs := h.subscribers
	h.mu.RUnlock()
	for _, fn := range subs {
		fn(u)
	}
}

// LookupRelease returns the release record for a package version.
func (h *Handle) LookupRelease(pkg, version string) (Release, error) {
	var rel Release
	var found bool
	h.index.Query(func(idx Index) {
		rel, found = idx.Packages[pkg][version]
	})
	if !found {
		return Release{}, errs.NotFound("%s-%s not found", pkg, version)
	}
	return rel, nil
}

func tarballName(pkg, version string) string {
	return fmt.Sprintf("%s-%s.tar.gz", pkg, version)
}

func cabalName(pkg string) string {
	return pkg + ".cabal"
}
