package api

import (
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/gridx/gridx/modules"
)

// CreditsGET is the response body for GET /credits/:id.
type CreditsGET struct {
	AccountID string `json:"account_id"`
	Balance   string `json:"balance"`
}

func (a *API) getCreditsHandler(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	accountID, err := authenticate(req, a.ledger, a.cfg.StartingBalance)
	if err != nil {
		writeKindedError(w, err)
		return
	}
	id := ps.ByName("id")
	if id != accountID {
		writeKindedError(w, modules.NewKindedError(modules.ErrKindUnauthenticated, errAccountMismatch, ""))
		return
	}
	acc, err := a.ledger.Balance(accountID)
	if err != nil {
		writeKindedError(w, err)
		return
	}
	WriteJSON(w, CreditsGET{AccountID: acc.ID, Balance: acc.Balance()})
}

var errAccountMismatch = httpErr("credentials do not match the requested account")
