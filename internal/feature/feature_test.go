package feature

import (
	"testing"

	"github.com/atwupack/hackage-server/internal/errs"
)

func ctor(name string, depends ...string) Constructor {
	return Constructor{
		Name:    name,
		Depends: depends,
		Init: func(*Env, Handles) (*Feature, error) {
			return &Feature{}, nil
		},
	}
}

func names(ctors []Constructor) []string {
	out := make([]string, len(ctors))
	for i, c := range ctors {
		out[i] = c.Name
	}
	return out
}

func indexOf(list []string, name string) int {
	for i, n := range list {
		if n == name {
			return i
		}
	}
	return -1
}

func TestOrderRespectsDependencies(t *testing.T) {
	ordered, err := Order([]Constructor{
		ctor("recent", "core"),
		ctor("core", "users"),
		ctor("users"),
	})
	if err != nil {
		t.Fatalf("Order() failed: %v", err)
	}

	got := names(ordered)
	if len(got) != 3 {
		t.Fatalf("Order() returned %d features, want 3", len(got))
	}
	if indexOf(got, "users") > indexOf(got, "core") {
		t.Errorf("users initialized after core: %v", got)
	}
	if indexOf(got, "core") > indexOf(got, "recent") {
		t.Errorf("core initialized after recent: %v", got)
	}
}

func TestOrderKeepsRegistrationOrderForIndependents(t *testing.T) {
	ordered, err := Order([]Constructor{
		ctor("alpha"),
		ctor("beta"),
		ctor("gamma"),
	})
	if err != nil {
		t.Fatalf("Order() failed: %v", err)
	}
	got := names(ordered)
	want := []string{"alpha", "beta", "gamma"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Order() = %v, want %v", got, want)
		}
	}
}

func TestOrderRejectsMissingDependency(t *testing.T) {
	_, err := Order([]Constructor{
		ctor("core", "users"),
	})
	if !errs.IsConflict(err) {
		t.Errorf("Order() error = %v, want conflict", err)
	}
}

func TestOrderRejectsCycle(t *testing.T) {
	_, err := Order([]Constructor{
		ctor("a", "b"),
		ctor("b", "a"),
	})
	if !errs.IsConflict(err) {
		t.Errorf("Order() error = %v, want conflict", err)
	}
}

func TestOrderRejectsDuplicateName(t *testing.T) {
	_, err := Order([]Constructor{
		ctor("users"),
		ctor("users"),
	})
	if !errs.IsConflict(err) {
		t.Errorf("Order() error = %v, want conflict", err)
	}
}
