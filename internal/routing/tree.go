// Package routing merges every feature's declared endpoints into one
// dispatch structure. Conflicts between independently authored features
// are caught when the tree is built, so the server refuses to start
// instead of behaving ambiguously at request time. The built tree is
// immutable and read lock-free by concurrent requests.
package routing

import (
	"net/http"
	"strings"

	"github.com/atwupack/hackage-server/internal/errs"
)

// Params holds the values captured by dynamic segments during lookup,
// keyed by capture name.
type Params map[string]string

// HandlerFunc handles a matched request with its captured parameters.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p Params)

// Resource binds a path pattern to a handler. A pattern is an ordered
// sequence of literal segments and dynamic captures written "{name}",
// e.g. "/packages/{package}/{version}/{tarball}". A trailing slash is a
// distinct pattern from its slash-less form.
type Resource struct {
	Pattern string
	Handler HandlerFunc
}

// node is one level of the tree: literal children, at most one dynamic
// capture child, and an optional terminal resource.
type node struct {
	literals    map[string]*node
	capture     *node
	captureName string
	resource    *Resource
}

func newNode() *node {
	return &node{literals: make(map[string]*node)}
}

// Tree is the built router. It is immutable after Build.
type Tree struct {
	root *node
	size int
}

// Build inserts every resource into a fresh tree. Two resources with an
// identical pattern make the whole build fail with a conflict error;
// composition problems surface at startup, never at request time.
func Build(resources []Resource) (*Tree, error) {
	t := &Tree{root: newNode()}
	for i := range resources {
		if err := t.insert(&resources[i]); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Size reports the number of registered resources.
func (t *Tree) Size() int { return t.size }

func (t *Tree) insert(res *Resource) error {
	cur := t.root
	for _, seg := range splitPath(res.Pattern) {
		if name, ok := captureName(seg); ok {
			if cur.capture == nil {
				cur.capture = newNode()
				cur.captureName = name
			} else if cur.captureName != name {
				// Two captures at the same position with different names
				// address the same requests; treat as a pattern conflict.
				return errs.Conflict("pattern %q: capture {%s} conflicts with existing {%s}",
					res.Pattern, name, cur.captureName)
			}
			cur = cur.capture
			continue
		}
		child, ok := cur.literals[seg]
		if !ok {
			child = newNode()
			cur.literals[seg] = child
		}
		cur = child
	}
	if cur.resource != nil {
		return errs.Conflict("duplicate route pattern %q (already claimed by %q)",
			res.Pattern, cur.resource.Pattern)
	}
	cur.resource = res
	t.size++
	return nil
}

// Lookup resolves a concrete request path. At every level a literal child
// is preferred over the dynamic capture; captured values accumulate into
// the returned Params. The boolean is false when no resource terminates
// the walk.
func (t *Tree) Lookup(path string) (*Resource, Params, bool) {
	cur := t.root
	var params Params
	for _, seg := range splitPath(path) {
		if child, ok := cur.literals[seg]; ok {
			cur = child
			continue
		}
		if cur.capture != nil {
			if params == nil {
				params = make(Params)
			}
			params[cur.captureName] = seg
			cur = cur.capture
			continue
		}
		return nil, nil, false
	}
	if cur.resource == nil {
		return nil, nil, false
	}
	return cur.resource, params, true
}

// splitPath splits a path on "/", dropping only the leading empty segment
// so that a trailing slash remains visible as a final empty segment.
func splitPath(p string) []string {
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func captureName(seg string) (string, bool) {
	if len(seg) >= 2 && seg[0] == '{' && seg[len(seg)-1] == '}' {
		return seg[1 : len(seg)-1], true
	}
	return "", false
}
