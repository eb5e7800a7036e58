// Package users implements the user-management feature: accounts with
// bcrypt-hashed passwords, group membership, registration requests and
// password resets. Its public handle is the distinguished user-management
// interface the server uses for bootstrap and other features use for
// authentication checks.
package users

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/atwupack/hackage-server/internal/errs"
	"github.com/atwupack/hackage-server/internal/feature"
	"github.com/atwupack/hackage-server/internal/routing"
	"github.com/atwupack/hackage-server/internal/state"
)

// FeatureName is the name other features use to depend on this one.
const FeatureName = "users"

// AdminGroup is the group whose members may administer the server.
const AdminGroup = "admin"

const sessionTTL = 24 * time.Hour

// Handle is the feature's public interface.
type Handle struct {
	accounts *state.Component[AccountDB, AccountEvent]
	groups   *state.Component[GroupDB, GroupEvent]
	secret   []byte
}

// New declares the users feature. secret signs session tokens.
func New(secret []byte) feature.Constructor {
	return feature.Constructor{
		Name: FeatureName,
		Init: func(env *feature.Env, _ feature.Handles) (*feature.Feature, error) {
			accounts, err := state.Open(env.DataDir, "users", accountCodec{}, env.Log)
			if err != nil {
				return nil, err
			}
			groups, err := state.Open(env.DataDir, "groups", groupCodec{}, env.Log)
			if err != nil {
				return nil, err
			}

			h := &Handle{accounts: accounts, groups: groups, secret: secret}
			f := &feature.Feature{
				Resources: []routing.Resource{
					{Pattern: "/users/", Handler: h.handleListing},
					{Pattern: "/users/login", Handler: h.handleLogin},
					{Pattern: "/users/register-request", Handler: h.handleRegisterRequest},
					{Pattern: "/users/password-reset", Handler: h.handlePasswordReset},
					{Pattern: "/users/{name}", Handler: h.handleAccount},
				},
				State:          []state.Persistent{accounts, groups},
				ErrorRenderers: []feature.ErrorRenderer{htmlErrorRenderer()},
				Handle:         h,
			}
			return f, nil
		},
	}
}

// htmlErrorRenderer renders error pages for browsers. Features that want
// richer pages register their own renderer for the same content type and
// win by registering later.
func htmlErrorRenderer() feature.ErrorRenderer {
	return feature.ErrorRenderer{
		ContentType: "text/html",
		Render: func(w http.ResponseWriter, status int, msg string) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(status)
			_, _ = w.Write([]byte("<html><body><h1>" + http.StatusText(status) + "</h1><p>" +
				msg + "</p></body></html>\n"))
		},
	}
}

// AccountExists reports whether an account with the given name exists.
func (h *Handle) AccountExists(name string) bool {
	var found bool
	h.accounts.Query(func(db AccountDB) {
		_, found = db.Accounts[name]
	})
	return found
}

// CreateAccount registers a new enabled account. The name must be a valid
// identifier; a taken name is a conflict error.
func (h *Handle) CreateAccount(name, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return errs.Validation("unusable password: %v", err)
	}
	return h.accounts.Update(AccountEvent{
		Type: evAddAccount,
		Name: name,
		Hash: hash,
		Time: time.Now().UTC(),
	})
}

// Authenticate verifies a name/password pair against an enabled account.
func (h *Handle) Authenticate(name, password string) error {
	var acct Account
	var found bool
	h.accounts.Query(func(db AccountDB) {
		acct, found = db.Accounts[name]
	})
	if !found {
		return errs.NotFound("account %q not found", name)
	}
	if !acct.Enabled {
		return errs.Validation("account %q is disabled", name)
	}
	if bcrypt.CompareHashAndPassword(acct.PasswordHash, []byte(password)) != nil {
		return errs.Validation("invalid credentials")
	}
	return nil
}

// SetEnabled enables or disables an account.
func (h *Handle) SetEnabled(name string, enabled bool) error {
	return h.accounts.Update(AccountEvent{Type: evSetEnabled, Name: name, Enabled: enabled})
}

// AddToGroup adds a user to a group, creating the group on first use.
func (h *Handle) AddToGroup(group, user string) error {
	return h.groups.Update(GroupEvent{Type: evAddMember, Group: group, User: user})
}

// RemoveFromGroup removes a user from a group.
func (h *Handle) RemoveFromGroup(group, user string) error {
	return h.groups.Update(GroupEvent{Type: evRemoveMember, Group: group, User: user})
}

// InGroup reports whether a user belongs to a group.
func (h *Handle) InGroup(group, user string) bool {
	var in bool
	h.groups.Query(func(db GroupDB) {
		in = db.Groups[group][user]
	})
	return in
}

// GroupsOf returns the sorted groups a user belongs to.
func (h *Handle) GroupsOf(user string) []string {
	var out []string
	h.groups.Query(func(db GroupDB) {
		for g, members := range db.Groups {
			if members[user] {
				out = append(out, g)
			}
		}
	})
	sort.Strings(out)
	return out
}

// ListAccounts returns all account names, sorted.
func (h *Handle) ListAccounts() []string {
	var names []string
	h.accounts.Query(func(db AccountDB) {
		for name := range db.Accounts {
			names = append(names, name)
		}
	})
	sort.Strings(names)
	return names
}

// SessionToken mints a signed session token for an authenticated user.
func (h *Handle) SessionToken(name string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   name,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.secret)
}

// VerifySession validates a session token and returns the account name.
func (h *Handle) VerifySession(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errs.Validation("unexpected signing method")
		}
		return h.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", errs.Validation("invalid session token")
	}
	claims := parsed.Claims.(*jwt.RegisteredClaims)
	return claims.Subject, nil
}

// accountEnabled reports whether an account exists and is enabled.
func (h *Handle) accountEnabled(name string) bool {
	var enabled bool
	h.accounts.Query(func(db AccountDB) {
		acct, found := db.Accounts[name]
		enabled = found && acct.Enabled
	})
	return enabled
}

// RequireAuth verifies the request's credentials and returns the account
// name, or false after writing a 401 response. A bearer session token
// from the login endpoint and basic credentials are both accepted; a
// token for a disabled or deleted account no longer authenticates.
func (h *Handle) RequireAuth(w http.ResponseWriter, r *http.Request) (string, bool) {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		name, err := h.VerifySession(strings.TrimPrefix(auth, "Bearer "))
		if err == nil && h.accountEnabled(name) {
			return name, true
		}
		w.Header().Set("WWW-Authenticate", `Bearer realm="hackage"`)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return "", false
	}

	name, password, ok := r.BasicAuth()
	if !ok || h.Authenticate(name, password) != nil {
		w.Header().Set("WWW-Authenticate", `Basic realm="hackage"`)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return "", false
	}
	return name, true
}

// RequireAdmin is RequireAuth plus admin group membership.
func (h *Handle) RequireAdmin(w http.ResponseWriter, r *http.Request) (string, bool) {
	name, ok := h.RequireAuth(w, r)
	if !ok {
		return "", false
	}
	if !h.InGroup(AdminGroup, name) {
		http.Error(w, "admin privileges required", http.StatusForbidden)
		return "", false
	}
	return name, true
}
