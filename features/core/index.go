package core

import (
	"regexp"
	"time"

	"github.com/atwupack/hackage-server/internal/blobstore"
	"github.com/atwupack/hackage-server/internal/errs"
	"github.com/atwupack/hackage-server/internal/state"
)

var (
	packageNameRE = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9-]*$`)
	versionRE     = regexp.MustCompile(`^[0-9]+(\.[0-9]+)*$`)
)

// Release is one published package version. Tarball and Cabal address
// immutable blobs in the content-addressed store.
type Release struct {
	Tarball  blobstore.ID `json:"tarball"`
	Cabal    blobstore.ID `json:"cabal"`
	Uploader string       `json:"uploader"`
	Time     time.Time    `json:"time"`
}

// Index is the in-memory value of the packages state component:
// package name -> version -> release.
type Index struct {
	Packages map[string]map[string]Release `json:"packages"`
}

// IndexEvent publishes one release. Releases are immutable; there is no
// event that replaces or removes one.
type IndexEvent struct {
	Package  string       `json:"package"`
	Version  string       `json:"version"`
	Tarball  blobstore.ID `json:"tarball"`
	Cabal    blobstore.ID `json:"cabal"`
	Uploader string       `json:"uploader"`
	Time     time.Time    `json:"time"`
}

type indexCodec struct {
	state.JSONCodec[Index, IndexEvent]
}

func (indexCodec) Empty() Index {
	return Index{Packages: make(map[string]map[string]Release)}
}

func (indexCodec) Validate(idx Index, ev IndexEvent) error {
	if !packageNameRE.MatchString(ev.Package) {
		return errs.Validation("invalid package name %q", ev.Package)
	}
	if !versionRE.MatchString(ev.Version) {
		return errs.Validation("invalid version %q", ev.Version)
	}
	if !ev.Tarball.Valid() || !ev.Cabal.Valid() {
		return errs.Validation("release %s-%s has malformed blob ids", ev.Package, ev.Version)
	}
	if _, exists := idx.Packages[ev.Package][ev.Version]; exists {
		return errs.Conflict("%s-%s is already published", ev.Package, ev.Version)
	}
	return nil
}

func (indexCodec) Apply(idx Index, ev IndexEvent) Index {
	packages := make(map[string]map[string]Release, len(idx.Packages))
	for name, versions := range idx.Packages {
		packages[name] = versions
	}
	versions := make(map[string]Release, len(packages[ev.Package])+1)
	for v, rel := range packages[ev.Package] {
		versions[v] = rel
	}
	versions[ev.Version] = Release{
		Tarball:  ev.Tarball,
		Cabal:    ev.Cabal,
		Uploader: ev.Uploader,
		Time:     ev.Time,
	}
	packages[ev.Package] = versions
	idx.Packages = packages
	return idx
}
