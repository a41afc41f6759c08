package api

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
)

func (a *API) listWorkersHandler(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	WriteJSON(w, a.reg.Snapshot())
}
