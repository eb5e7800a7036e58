package users

import (
	"regexp"
	"time"

	"github.com/atwupack/hackage-server/internal/errs"
	"github.com/atwupack/hackage-server/internal/state"
)

var nameRE = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// Account is one registered user.
type Account struct {
	Name         string    `json:"name"`
	PasswordHash []byte    `json:"password_hash"`
	Enabled      bool      `json:"enabled"`
	Created      time.Time `json:"created"`
}

// Request is a pending registration request awaiting admin confirmation.
type Request struct {
	Token        string    `json:"token"`
	Name         string    `json:"name"`
	PasswordHash []byte    `json:"password_hash"`
	Created      time.Time `json:"created"`
}

// Reset is a pending password reset token.
type Reset struct {
	Token   string    `json:"token"`
	Name    string    `json:"name"`
	Created time.Time `json:"created"`
}

// AccountDB is the in-memory value of the users state component.
type AccountDB struct {
	Accounts map[string]Account `json:"accounts"`
	Requests map[string]Request `json:"requests"`
	Resets   map[string]Reset   `json:"resets"`
}

// Account event types.
const (
	evAddAccount     = "add-account"
	evSetPassword    = "set-password"
	evSetEnabled     = "set-enabled"
	evAddRequest     = "add-request"
	evResolveRequest = "resolve-request"
	evAddReset       = "add-reset"
	evResolveReset   = "resolve-reset"
)

// AccountEvent is the tagged union of account mutations.
type AccountEvent struct {
	Type    string    `json:"type"`
	Name    string    `json:"name,omitempty"`
	Hash    []byte    `json:"hash,omitempty"`
	Enabled bool      `json:"enabled,omitempty"`
	Token   string    `json:"token,omitempty"`
	Time    time.Time `json:"time,omitempty"`
}

// accountCodec implements the users component's domain logic.
type accountCodec struct {
	state.JSONCodec[AccountDB, AccountEvent]
}

func (accountCodec) Empty() AccountDB {
	return AccountDB{
		Accounts: make(map[string]Account),
		Requests: make(map[string]Request),
		Resets:   make(map[string]Reset),
	}
}

func (accountCodec) Validate(db AccountDB, ev AccountEvent) error {
	switch ev.Type {
	case evAddAccount:
		if !nameRE.MatchString(ev.Name) {
			return errs.Validation("account name %q is not a valid identifier", ev.Name)
		}
		if _, exists := db.Accounts[ev.Name]; exists {
			return errs.Conflict("account %q already exists", ev.Name)
		}
		if len(ev.Hash) == 0 {
			return errs.Validation("account %q needs a password hash", ev.Name)
		}
	case evSetPassword, evSetEnabled:
		if _, exists := db.Accounts[ev.Name]; !exists {
			return errs.NotFound("account %q not found", ev.Name)
		}
		if ev.Type == evSetPassword && len(ev.Hash) == 0 {
			return errs.Validation("empty password hash")
		}
	case evAddRequest:
		if !nameRE.MatchString(ev.Name) {
			return errs.Validation("requested name %q is not a valid identifier", ev.Name)
		}
		if _, exists := db.Accounts[ev.Name]; exists {
			return errs.Conflict("account %q already exists", ev.Name)
		}
		if ev.Token == "" {
			return errs.Validation("registration request needs a token")
		}
	case evResolveRequest:
		req, exists := db.Requests[ev.Token]
		if !exists {
			return errs.NotFound("registration request %q not found", ev.Token)
		}
		if _, taken := db.Accounts[req.Name]; taken {
			return errs.Conflict("account %q already exists", req.Name)
		}
	case evAddReset:
		if _, exists := db.Accounts[ev.Name]; !exists {
			return errs.NotFound("account %q not found", ev.Name)
		}
		if ev.Token == "" {
			return errs.Validation("password reset needs a token")
		}
	case evResolveReset:
		if _, exists := db.Resets[ev.Token]; !exists {
			return errs.NotFound("password reset %q not found", ev.Token)
		}
		if len(ev.Hash) == 0 {
			return errs.Validation("empty password hash")
		}
	default:
		return errs.Validation("unknown account event %q", ev.Type)
	}
	return nil
}

func (accountCodec) Apply(db AccountDB, ev AccountEvent) AccountDB {
	// Maps are copied on write so queries running concurrently with an
	// update never observe a partially applied event.
	switch ev.Type {
	case evAddAccount:
		db.Accounts = copyMap(db.Accounts)
		db.Accounts[ev.Name] = Account{
			Name:         ev.Name,
			PasswordHash: ev.Hash,
			Enabled:      true,
			Created:      ev.Time,
		}
	case evSetPassword:
		db.Accounts = copyMap(db.Accounts)
		acct := db.Accounts[ev.Name]
		acct.PasswordHash = ev.Hash
		db.Accounts[ev.Name] = acct
	case evSetEnabled:
		db.Accounts = copyMap(db.Accounts)
		acct := db.Accounts[ev.Name]
		acct.Enabled = ev.Enabled
		db.Accounts[ev.Name] = acct
	case evAddRequest:
		db.Requests = copyMap(db.Requests)
		db.Requests[ev.Token] = Request{
			Token:        ev.Token,
			Name:         ev.Name,
			PasswordHash: ev.Hash,
			Created:      ev.Time,
		}
	case evResolveRequest:
		req := db.Requests[ev.Token]
		db.Requests = copyMap(db.Requests)
		delete(db.Requests, ev.Token)
		db.Accounts = copyMap(db.Accounts)
		db.Accounts[req.Name] = Account{
			Name:         req.Name,
			PasswordHash: req.PasswordHash,
			Enabled:      true,
			Created:      ev.Time,
		}
	case evAddReset:
		db.Resets = copyMap(db.Resets)
		db.Resets[ev.Token] = Reset{Token: ev.Token, Name: ev.Name, Created: ev.Time}
	case evResolveReset:
		rst := db.Resets[ev.Token]
		db.Resets = copyMap(db.Resets)
		delete(db.Resets, ev.Token)
		db.Accounts = copyMap(db.Accounts)
		acct := db.Accounts[rst.Name]
		acct.PasswordHash = ev.Hash
		db.Accounts[rst.Name] = acct
	}
	return db
}

// GroupDB is the in-memory value of the groups state component.
type GroupDB struct {
	Groups map[string]map[string]bool `json:"groups"`
}

// Group event types.
const (
	evAddMember    = "add-member"
	evRemoveMember = "remove-member"
)

// GroupEvent mutates group membership.
type GroupEvent struct {
	Type  string `json:"type"`
	Group string `json:"group"`
	User  string `json:"user"`
}

type groupCodec struct {
	state.JSONCodec[GroupDB, GroupEvent]
}

func (groupCodec) Empty() GroupDB {
	return GroupDB{Groups: make(map[string]map[string]bool)}
}

func (groupCodec) Validate(db GroupDB, ev GroupEvent) error {
	switch ev.Type {
	case evAddMember:
		if ev.Group == "" || ev.User == "" {
			return errs.Validation("group and user are required")
		}
		if db.Groups[ev.Group][ev.User] {
			return errs.Conflict("%s is already a member of %s", ev.User, ev.Group)
		}
	case evRemoveMember:
		if !db.Groups[ev.Group][ev.User] {
			return errs.NotFound("%s is not a member of %s", ev.User, ev.Group)
		}
	default:
		return errs.Validation("unknown group event %q", ev.Type)
	}
	return nil
}

func (groupCodec) Apply(db GroupDB, ev GroupEvent) GroupDB {
	groups := make(map[string]map[string]bool, len(db.Groups))
	for g, members := range db.Groups {
		groups[g] = members
	}
	switch ev.Type {
	case evAddMember:
		members := copyMap(groups[ev.Group])
		if members == nil {
			members = make(map[string]bool)
		}
		members[ev.User] = true
		groups[ev.Group] = members
	case evRemoveMember:
		members := copyMap(groups[ev.Group])
		delete(members, ev.User)
		groups[ev.Group] = members
	}
	db.Groups = groups
	return db
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
