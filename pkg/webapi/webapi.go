package webapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	payroll "github.com/payrollrelay/payroll/pkg"
	"github.com/payrollrelay/payroll/pkg/conductor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// WebAPI implements conductor.Service
type WebAPI struct {
	api    *payroll.API
	config payroll.Config
	log    *zap.Logger
}

// interface guard ensures WebAPI implements conductor.Service
var _ conductor.Service = WebAPI{}

func NewWebAPI(config payroll.Config, api *payroll.API) (WebAPI, error) {
	return WebAPI{api: api, config: config, log: zap.L().Named("webapi")}, nil
}

func (t WebAPI) Run(started, stopped chan bool, stop chan context.Context) error {
	go func() {
		adminMux, pubMux := t.createRouters()

		// Start the admin server
		adminServer := &http.Server{Addr: t.config.WebAPI.AdminBind + ":" + t.config.WebAPI.AdminPort, Handler: adminMux}
		t.log.Info("admin API listening", zap.String("addr", adminServer.Addr))
		go func() {
			if err := adminServer.ListenAndServe(); err != http.ErrServerClosed {
				t.log.Fatal("admin ListenAndServe", zap.Error(err))
			}
		}()

		// Start the relay server
		pubServer := &http.Server{Addr: t.config.WebAPI.Bind + ":" + t.config.WebAPI.Port, Handler: pubMux}
		t.log.Info("relay API listening", zap.String("addr", pubServer.Addr))
		go func() {
			if err := pubServer.ListenAndServe(); err != http.ErrServerClosed {
				t.log.Fatal("relay ListenAndServe", zap.Error(err))
			}
		}()

		started <- true
		ctx := <-stop
		adminServer.Shutdown(ctx)
		pubServer.Shutdown(ctx)
		t.api.Close()
		stopped <- true
	}()
	return nil
}

func (t WebAPI) createRouters() (adminMux *httprouter.Router, pubMux *httprouter.Router) {
	adminMux = httprouter.New() // Admin APIs
	pubMux = httprouter.New()   // Relay APIs, used by extension views

	// Admin APIs

	// GET /metrics -> prometheus exposition
	adminMux.Handler("GET", "/metrics", promhttp.Handler())

	// POST /admin/sweep -> [ transactions ] run a reconciler sweep now
	adminMux.POST("/admin/sweep", t.sweep)

	// GET /admin/transactions -> [ transactions ]
	adminMux.GET("/admin/transactions", t.listTransactions)

	// GET /admin/tasks -> [ names ]
	adminMux.GET("/admin/tasks", t.listTasks)

	// Relay APIs

	// POST { type: "task", task, payload } /task -> { data } or { error }
	pubMux.POST("/task", t.auth(t.task))

	// POST { passcode } /session/auth -> { created, token }
	pubMux.POST("/session/auth", t.authenticate)

	// GET /session/restore -> { resumed, snapshot }
	pubMux.GET("/session/restore", t.auth(t.restoreSession))

	// GET /notifications[?hash=] -> websocket stream of notification and event frames
	pubMux.GET("/notifications", t.auth(t.notifications))

	// GET /tx/:chain/:hash/link -> { url } block explorer link
	pubMux.GET("/tx/:chain/:hash/link", t.getTxLink)

	// GET /tx/:chain/:hash/qr.png -> QR code of the block explorer link
	pubMux.GET("/tx/:chain/:hash/qr.png", t.getTxQR)

	return
}

func (t WebAPI) task(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	var req payroll.TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendBadRequest(w, "invalid task request: "+err.Error())
		return
	}
	sendResponse(w, t.api.Dispatch(r.Context(), req))
}

func (t WebAPI) authenticate(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	var req payroll.AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendBadRequest(w, "invalid auth request: "+err.Error())
		return
	}
	res, err := t.api.Authenticate(r.Context(), req)
	if err != nil {
		sendError(w, "Authenticate", err)
		return
	}
	sendResponse(w, res)
}

func (t WebAPI) restoreSession(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	res, err := t.api.RestoreSession(r.Context())
	if err != nil {
		sendError(w, "RestoreSession", err)
		return
	}
	sendResponse(w, res)
}

func (t WebAPI) sweep(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	txs, err := t.api.CleanTransactions(r.Context())
	if err != nil {
		sendError(w, "Sweep", err)
		return
	}
	sendResponse(w, txs)
}

func (t WebAPI) listTransactions(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	txs, err := t.api.GetTransactions(r.Context())
	if err != nil {
		sendError(w, "GetTransactions", err)
		return
	}
	sendResponse(w, txs)
}

func (t WebAPI) listTasks(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	sendResponse(w, payroll.TaskNames())
}

type TxLinkResponse struct {
	URL string `json:"url"`
}

func (t WebAPI) explorerLink(w http.ResponseWriter, p httprouter.Params) (string, bool) {
	chain, err := strconv.ParseInt(p.ByName("chain"), 10, 64)
	if err != nil {
		sendBadRequest(w, "chain invalid, must convert to int64")
		return "", false
	}
	hash := p.ByName("hash")
	if hash == "" {
		sendBadRequest(w, "missing transaction hash")
		return "", false
	}
	link := t.api.Executor.ExplorerTxURL(chain, hash)
	if link == "" {
		sendErrorResponse(w, http.StatusNotFound, payroll.NotFound, "no block explorer for chain "+p.ByName("chain"))
		return "", false
	}
	return link, true
}

func (t WebAPI) getTxLink(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	link, ok := t.explorerLink(w, p)
	if !ok {
		return
	}
	sendResponse(w, TxLinkResponse{URL: link})
}

func (t WebAPI) getTxQR(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	link, ok := t.explorerLink(w, p)
	if !ok {
		return
	}
	size := 256
	if s, err := strconv.Atoi(r.URL.Query().Get("size")); err == nil && s >= 64 && s <= 1024 {
		size = s
	}
	png, err := GenerateQRCodePNG(link, size)
	if err != nil {
		sendError(w, "GenerateQRCodePNG", err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "max-age=31536000, immutable")
	w.Write(png)
}
