package webapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
	payroll "github.com/payrollrelay/payroll/pkg"
	"go.uber.org/zap"
)

var httpCodeForError = map[payroll.ErrorCode]int{
	payroll.BadRequest:           400,
	payroll.NotAvailable:         503,
	payroll.NotFound:             404,
	payroll.AlreadyExists:        500,
	payroll.Unauthorized:         401,
	payroll.UnknownError:         500,
	payroll.WrongPasscode:        401,
	payroll.InvalidWalletAddress: 400,
}

func HttpStatusForError(code payroll.ErrorCode) int {
	status, found := httpCodeForError[code]
	if !found {
		status = http.StatusInternalServerError
	}
	return status
}

func sendResponse(w http.ResponseWriter, payload any) {
	// note: w.Header after this, so we can call sendError
	b, err := json.Marshal(payload)
	if err != nil {
		sendErrorResponse(w, http.StatusInternalServerError, "marshal", fmt.Sprintf("in json.Marshal: %s", err.Error()))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store") // do not cache (Browsers cache GET forever by default)
	w.Write(b)
}

func sendBadRequest(w http.ResponseWriter, message string) {
	sendErrorResponse(w, http.StatusBadRequest, payroll.BadRequest, message)
}

func sendError(w http.ResponseWriter, where string, err error) {
	var info *payroll.ErrorInfo
	if errors.As(err, &info) {
		status := HttpStatusForError(info.Code)
		message := fmt.Sprintf("%s: %s", where, info.Message)
		sendErrorResponse(w, status, info.Code, message)
	} else {
		message := fmt.Sprintf("%s: %s", where, err.Error())
		sendErrorResponse(w, http.StatusInternalServerError, payroll.UnknownError, message)
	}
}

func sendErrorResponse(w http.ResponseWriter, statusCode int, code payroll.ErrorCode, message string) {
	zap.L().Named("webapi").Info("request failed", zap.String("code", string(code)), zap.String("message", message))
	// would prefer to use json.Marshal, but this avoids the need
	// to handle encoding errors arising from json.Marshal itself!
	payload := fmt.Sprintf("{\"error\":{\"code\":%q,\"message\":%q}}", code, message)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store") // do not cache (Browsers cache GET forever by default)
	w.WriteHeader(statusCode)
	w.Write([]byte(payload))
}

// auth requires a relay token when WebAPI.RequireAuth is set. Browsers
// cannot set headers on websocket upgrades, so ?token= is accepted too.
func (t WebAPI) auth(h httprouter.Handle) httprouter.Handle {
	if !t.config.WebAPI.RequireAuth {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		token := r.URL.Query().Get("token")
		if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			token = bearer
		}
		if token == "" {
			sendErrorResponse(w, http.StatusUnauthorized, payroll.Unauthorized, "missing relay token")
			return
		}
		if err := t.api.Session.VerifyToken(token); err != nil {
			sendError(w, "auth", err)
			return
		}
		h(w, r, p)
	}
}
