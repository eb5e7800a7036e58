package users

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/atwupack/hackage-server/internal/errs"
	"github.com/atwupack/hackage-server/internal/httputil"
	"github.com/atwupack/hackage-server/internal/routing"
)

// handleListing serves the user listing page.
func (h *Handle) handleListing(w http.ResponseWriter, r *http.Request, _ routing.Params) {
	if r.Method != http.MethodGet {
		httputil.WritePlain(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	httputil.WritePlain(w, http.StatusOK, strings.Join(h.ListAccounts(), "\n")+"\n")
}

// handleAccount serves one account's public details.
func (h *Handle) handleAccount(w http.ResponseWriter, r *http.Request, p routing.Params) {
	if r.Method != http.MethodGet {
		httputil.WritePlain(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	name := p["name"]

	var acct Account
	var found bool
	h.accounts.Query(func(db AccountDB) {
		acct, found = db.Accounts[name]
	})
	if !found {
		httputil.NotFound(w, "account "+name+" not found")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"name":    acct.Name,
		"enabled": acct.Enabled,
		"created": acct.Created,
		"groups":  h.GroupsOf(name),
	})
}

// handleLogin exchanges basic credentials for a signed session token,
// which later requests may present as an Authorization bearer token
// instead of resending the password.
func (h *Handle) handleLogin(w http.ResponseWriter, r *http.Request, _ routing.Params) {
	if r.Method != http.MethodPost {
		httputil.WritePlain(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	name, password, ok := r.BasicAuth()
	if !ok || h.Authenticate(name, password) != nil {
		httputil.Unauthorized(w, "hackage")
		return
	}
	token, err := h.SessionToken(name)
	if err != nil {
		httputil.InternalError(w, "could not create session")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"token": token})
}

// handleRegisterRequest implements the registration-request page:
// GET shows instructions, POST files a request, PUT (admin) confirms a
// request by token and creates the account.
func (h *Handle) handleRegisterRequest(w http.ResponseWriter, r *http.Request, _ routing.Params) {
	switch r.Method {
	case http.MethodGet:
		httputil.WritePlain(w, http.StatusOK,
			"POST name and password to request an account; an administrator confirms the request.\n")

	case http.MethodPost:
		name := strings.TrimSpace(r.PostFormValue("name"))
		password := r.PostFormValue("password")
		if name == "" || password == "" {
			httputil.BadRequest(w, "name and password required")
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			httputil.BadRequest(w, "unusable password")
			return
		}
		token := uuid.NewString()
		err = h.accounts.Update(AccountEvent{
			Type:  evAddRequest,
			Name:  name,
			Hash:  hash,
			Token: token,
			Time:  time.Now().UTC(),
		})
		if err != nil {
			writeTypedError(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"token": token})

	case http.MethodPut:
		if _, ok := h.RequireAdmin(w, r); !ok {
			return
		}
		token := r.FormValue("token")
		if token == "" {
			httputil.BadRequest(w, "token required")
			return
		}
		err := h.accounts.Update(AccountEvent{
			Type:  evResolveRequest,
			Token: token,
			Time:  time.Now().UTC(),
		})
		if err != nil {
			writeTypedError(w, err)
			return
		}
		httputil.WritePlain(w, http.StatusOK, "account created\n")

	default:
		httputil.WritePlain(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handlePasswordReset implements the password-reset page: GET shows
// instructions, POST (admin) issues a reset token for an account, PUT
// redeems a token with the new password.
func (h *Handle) handlePasswordReset(w http.ResponseWriter, r *http.Request, _ routing.Params) {
	switch r.Method {
	case http.MethodGet:
		httputil.WritePlain(w, http.StatusOK,
			"An administrator issues a reset token; PUT the token with a new password to redeem it.\n")

	case http.MethodPost:
		if _, ok := h.RequireAdmin(w, r); !ok {
			return
		}
		name := strings.TrimSpace(r.PostFormValue("name"))
		if name == "" {
			httputil.BadRequest(w, "name required")
			return
		}
		token := uuid.NewString()
		err := h.accounts.Update(AccountEvent{
			Type:  evAddReset,
			Name:  name,
			Token: token,
			Time:  time.Now().UTC(),
		})
		if err != nil {
			writeTypedError(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"token": token})

	case http.MethodPut:
		token := r.FormValue("token")
		password := r.FormValue("password")
		if token == "" || password == "" {
			httputil.BadRequest(w, "token and password required")
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			httputil.BadRequest(w, "unusable password")
			return
		}
		err = h.accounts.Update(AccountEvent{
			Type:  evResolveReset,
			Token: token,
			Hash:  hash,
		})
		if err != nil {
			writeTypedError(w, err)
			return
		}
		httputil.WritePlain(w, http.StatusOK, "password updated\n")

	default:
		httputil.WritePlain(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// writeTypedError maps a component error to the matching status code.
func writeTypedError(w http.ResponseWriter, err error) {
	httputil.WritePlain(w, errs.HTTPStatus(err), errs.Message(err))
}
