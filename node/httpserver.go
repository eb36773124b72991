package node

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/fusevault/fusevault/apikey"
	"github.com/fusevault/fusevault/auth"
	"github.com/fusevault/fusevault/internal/fvapi"
	"github.com/fusevault/fusevault/metrics"
	"github.com/fusevault/fusevault/vault"
)

// maxBodyBytes bounds request bodies. Metadata payloads are JSON documents,
// not blobs.
const maxBodyBytes = 4 << 20

// httpServer is the mechanical HTTP adapter: decode, authenticate, call the
// API facade, map error kinds to status codes.
type httpServer struct {
	cfg     HTTPConfig
	metrics metrics.Config
	api     *fvapi.API
	auth    *auth.Dispatcher
	node    *Node
	log     *zap.Logger

	srv      *http.Server
	listener net.Listener
	upgrader websocket.Upgrader
}

func newHTTPServer(cfg HTTPConfig, m metrics.Config, api *fvapi.API, dispatcher *auth.Dispatcher, n *Node, log *zap.Logger) *httpServer {
	h := &httpServer{
		cfg:     cfg,
		metrics: m,
		api:     api,
		auth:    dispatcher,
		node:    n,
		log:     log,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.originAllowed,
	}

	var handler http.Handler = h.routes()
	if len(cfg.CORSOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodPatch},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-API-Key"},
			AllowCredentials: true,
		}).Handler(handler)
	}
	h.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return h
}

func (h *httpServer) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.cfg.CORSOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (h *httpServer) routes() *httprouter.Router {
	r := httprouter.New()

	r.POST("/api/assets/upload", h.authed(h.handleUpload))
	r.POST("/api/assets/upload/batch", h.authed(h.handleBatchUpload))
	r.POST("/api/assets/upload/complete", h.authed(h.handleCompleteUpload))
	r.POST("/api/assets/upload/batch/complete", h.authed(h.handleCompleteBatchUpload))
	r.GET("/api/assets/:assetId", h.authed(h.handleRetrieve))
	r.GET("/api/assets/:assetId/stream", h.authed(h.handleRetrieveStream))
	r.GET("/api/wallets/:wallet/assets", h.authed(h.handleListAssets))

	r.POST("/api/assets/delete", h.authed(h.handleDelete))
	r.POST("/api/assets/delete/batch", h.authed(h.handleBatchDelete))
	r.POST("/api/assets/delete/complete", h.authed(h.handleCompleteDelete))

	r.POST("/api/transfers/initiate", h.authed(h.handleTransferInitiate))
	r.POST("/api/transfers/accept", h.authed(h.handleTransferAccept))
	r.POST("/api/transfers/cancel", h.authed(h.handleTransferCancel))
	r.POST("/api/transfers/complete", h.authed(h.handleCompleteTransfer))
	r.GET("/api/transfers/wallet/:wallet", h.authed(h.handleListTransfers))

	r.GET("/api/transactions/asset/:assetId", h.authed(h.handleAssetHistory))
	r.GET("/api/transactions/wallet/:wallet", h.authed(h.handleWalletHistory))
	r.GET("/api/transactions/summary/:wallet", h.authed(h.handleWalletSummary))

	r.GET("/api/pending", h.authed(h.handleListPending))
	r.DELETE("/api/pending/:id", h.authed(h.handleCancelPending))

	r.POST("/api/delegation/set", h.authed(h.handleDelegationSet))
	r.POST("/api/delegation/confirm", h.authed(h.handleDelegationConfirm))
	r.GET("/api/delegation/check", h.authed(h.handleDelegationCheck))
	r.GET("/api/delegation/list/:owner", h.authed(h.handleDelegationList))

	r.POST("/api/keys", h.authed(h.handleCreateKey))
	r.GET("/api/keys", h.authed(h.handleListKeys))
	r.DELETE("/api/keys/:name", h.authed(h.handleRevokeKey))
	r.PATCH("/api/keys/:name/permissions", h.authed(h.handleKeyPermissions))

	r.GET("/health", h.handleHealth)
	if h.metrics.Enabled {
		r.Handler(http.MethodGet, h.metrics.Path, metrics.Handler())
	}
	return r
}

// Start binds the listener and serves in the background.
func (h *httpServer) Start() error {
	ln, err := net.Listen("tcp", h.cfg.Addr)
	if err != nil {
		return err
	}
	h.listener = ln
	go func() {
		if err := h.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.Error("http server failed", zap.Error(err))
		}
	}()
	return nil
}

func (h *httpServer) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.cfg.Addr
}

// Stop drains in-flight requests within timeout.
func (h *httpServer) Stop(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return h.srv.Shutdown(ctx)
}

type authedHandle func(w http.ResponseWriter, r *http.Request, ps httprouter.Params, ac *auth.Context)

// authed resolves the principal before the handler runs. Rate-limit
// rejections surface as 429, everything else as 401.
func (h *httpServer) authed(next authedHandle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		ac, err := h.auth.Resolve(r.Context(), r)
		if err != nil {
			code := http.StatusUnauthorized
			if errors.Is(err, apikey.ErrRateLimited) {
				code = http.StatusTooManyRequests
			}
			writeJSON(w, code, errBody("unauthorized", "authentication failed"))
			return
		}
		next(w, r, ps, ac)
	}
}

func kindStatus(k vault.Kind) int {
	switch k {
	case vault.KindValidation:
		return http.StatusBadRequest
	case vault.KindUnauthorized:
		return http.StatusForbidden
	case vault.KindNotFound:
		return http.StatusNotFound
	case vault.KindConflict:
		return http.StatusConflict
	case vault.KindRateLimited:
		return http.StatusTooManyRequests
	case vault.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errBody(kind, message string) map[string]string {
	return map[string]string{"error": kind, "message": message}
}

func (h *httpServer) writeError(w http.ResponseWriter, err error) {
	var verr *vault.Error
	if errors.As(err, &verr) {
		writeJSON(w, kindStatus(verr.Kind), errBody(string(verr.Kind), verr.Message))
		return
	}
	h.log.Error("unclassified handler error", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, errBody(string(vault.KindInternal), "internal error"))
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// statusCode picks 202 for orchestrations suspended on a wallet signature.
func statusCode(s vault.Status) int {
	if s == vault.StatusPendingSignature {
		return http.StatusAccepted
	}
	return http.StatusOK
}

func (h *httpServer) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errBody(string(vault.KindValidation), "malformed JSON body"))
		return false
	}
	return true
}

func (h *httpServer) handleUpload(w http.ResponseWriter, r *http.Request, _ httprouter.Params, ac *auth.Context) {
	var args fvapi.UploadArgs
	if !h.decode(w, r, &args) {
		return
	}
	res, err := h.api.Upload(r.Context(), args, ac)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, statusCode(res.Status), res)
}

func (h *httpServer) handleBatchUpload(w http.ResponseWriter, r *http.Request, _ httprouter.Params, ac *auth.Context) {
	var args fvapi.BatchUploadArgs
	if !h.decode(w, r, &args) {
		return
	}
	res, err := h.api.BatchUpload(r.Context(), args, ac)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, statusCode(res.Status), res)
}

func (h *httpServer) handleCompleteUpload(w http.ResponseWriter, r *http.Request, _ httprouter.Params, ac *auth.Context) {
	var args fvapi.CompleteArgs
	if !h.decode(w, r, &args) {
		return
	}
	res, err := h.api.CompleteUpload(r.Context(), args, ac)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *httpServer) handleCompleteBatchUpload(w http.ResponseWriter, r *http.Request, _ httprouter.Params, ac *auth.Context) {
	var args fvapi.CompleteArgs
	if !h.decode(w, r, &args) {
		return
	}
	res, err := h.api.CompleteBatchUpload(r.Context(), args, ac)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func retrieveArgs(r *http.Request, ps httprouter.Params) (fvapi.RetrieveArgs, error) {
	args := fvapi.RetrieveArgs{
		AssetID:     ps.ByName("assetId"),
		AutoRecover: true,
	}
	q := r.URL.Query()
	if raw := q.Get("version"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return args, &vault.Error{Kind: vault.KindValidation, Message: "version must be an integer"}
		}
		args.Version = &v
	}
	if raw := q.Get("auto_recover"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return args, &vault.Error{Kind: vault.KindValidation, Message: "auto_recover must be a boolean"}
		}
		args.AutoRecover = b
	}
	return args, nil
}

func (h *httpServer) handleRetrieve(w http.ResponseWriter, r *http.Request, ps httprouter.Params, ac *auth.Context) {
	args, err := retrieveArgs(r, ps)
	if err != nil {
		h.writeError(w, err)
		return
	}
	res, err := h.api.Retrieve(r.Context(), args, ac, nil)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleRetrieveStream is the websocket variant of retrieve: each
// verification step goes out as a progress frame, then a single result or
// error frame, then a normal close.
func (h *httpServer) handleRetrieveStream(w http.ResponseWriter, r *http.Request, ps httprouter.Params, ac *auth.Context) {
	args, err := retrieveArgs(r, ps)
	if err != nil {
		h.writeError(w, err)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	progress := func(step, total int, message string) {
		conn.WriteJSON(map[string]interface{}{
			"type":    "progress",
			"step":    step,
			"total":   total,
			"message": message,
		})
	}
	res, err := h.api.Retrieve(r.Context(), args, ac, progress)
	if err != nil {
		kind := vault.KindOf(err)
		conn.WriteJSON(map[string]interface{}{
			"type":    "error",
			"error":   string(kind),
			"message": err.Error(),
		})
		return
	}
	conn.WriteJSON(map[string]interface{}{"type": "result", "result": res})
	deadline := time.Now().Add(5 * time.Second)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}

func (h *httpServer) handleListAssets(w http.ResponseWriter, r *http.Request, ps httprouter.Params, ac *auth.Context) {
	q := r.URL.Query()
	includeHistory := q.Get("include_history") == "true"
	includeDeleted := q.Get("include_deleted") == "true"
	assets, err := h.api.ListAssets(r.Context(), ps.ByName("wallet"), includeHistory, includeDeleted, ac)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"assets": assets})
}

func (h *httpServer) handleDelete(w http.ResponseWriter, r *http.Request, _ httprouter.Params, ac *auth.Context) {
	var args fvapi.DeleteArgs
	if !h.decode(w, r, &args) {
		return
	}
	res, err := h.api.Delete(r.Context(), args, ac)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, statusCode(res.Status), res)
}

func (h *httpServer) handleBatchDelete(w http.ResponseWriter, r *http.Request, _ httprouter.Params, ac *auth.Context) {
	var args fvapi.BatchDeleteArgs
	if !h.decode(w, r, &args) {
		return
	}
	res, err := h.api.BatchDelete(r.Context(), args, ac)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, statusCode(res.Status), res)
}

func (h *httpServer) handleCompleteDelete(w http.ResponseWriter, r *http.Request, _ httprouter.Params, ac *auth.Context) {
	var args fvapi.CompleteArgs
	if !h.decode(w, r, &args) {
		return
	}
	res, err := h.api.CompleteDelete(r.Context(), args, ac)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *httpServer) handleTransferInitiate(w http.ResponseWriter, r *http.Request, _ httprouter.Params, ac *auth.Context) {
	var args fvapi.TransferInitiateArgs
	if !h.decode(w, r, &args) {
		return
	}
	res, err := h.api.TransferInitiate(r.Context(), args, ac)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, statusCode(res.Status), res)
}

func (h *httpServer) handleTransferAccept(w http.ResponseWriter, r *http.Request, _ httprouter.Params, ac *auth.Context) {
	var args fvapi.TransferAssetArgs
	if !h.decode(w, r, &args) {
		return
	}
	res, err := h.api.TransferAccept(r.Context(), args, ac)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, statusCode(res.Status), res)
}

func (h *httpServer) handleTransferCancel(w http.ResponseWriter, r *http.Request, _ httprouter.Params, ac *auth.Context) {
	var args fvapi.TransferAssetArgs
	if !h.decode(w, r, &args) {
		return
	}
	res, err := h.api.TransferCancel(r.Context(), args, ac)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *httpServer) handleCompleteTransfer(w http.ResponseWriter, r *http.Request, _ httprouter.Params, ac *auth.Context) {
	var args fvapi.CompleteArgs
	if !h.decode(w, r, &args) {
		return
	}
	res, err := h.api.CompleteTransfer(r.Context(), args, ac)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *httpServer) handleListTransfers(w http.ResponseWriter, r *http.Request, ps httprouter.Params, ac *auth.Context) {
	transfers, err := h.api.ListTransfers(r.Context(), ps.ByName("wallet"), ac)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transfers": transfers})
}

func (h *httpServer) handleAssetHistory(w http.ResponseWriter, r *http.Request, ps httprouter.Params, ac *auth.Context) {
	args := fvapi.HistoryArgs{AssetID: ps.ByName("assetId")}
	if raw := r.URL.Query().Get("version"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.writeError(w, &vault.Error{Kind: vault.KindValidation, Message: "version must be an integer"})
			return
		}
		args.Version = &v
	}
	recs, err := h.api.AssetHistory(r.Context(), args, ac)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": recs})
}

func (h *httpServer) handleWalletHistory(w http.ResponseWriter, r *http.Request, ps httprouter.Params, ac *auth.Context) {
	q := r.URL.Query()
	args := fvapi.HistoryArgs{
		Wallet:         ps.ByName("wallet"),
		IncludeHistory: q.Get("include_history") == "true",
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, &vault.Error{Kind: vault.KindValidation, Message: "limit must be an integer"})
			return
		}
		args.Limit = n
	}
	recs, err := h.api.WalletHistory(r.Context(), args, ac)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": recs})
}

func (h *httpServer) handleWalletSummary(w http.ResponseWriter, r *http.Request, ps httprouter.Params, ac *auth.Context) {
	counts, err := h.api.WalletSummary(r.Context(), ps.ByName("wallet"), ac)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"summary": counts})
}

func (h *httpServer) handleListPending(w http.ResponseWriter, r *http.Request, _ httprouter.Params, ac *auth.Context) {
	recs, err := h.api.PendingForUser(r.Context(), ac)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pending": recs})
}

func (h *httpServer) handleCancelPending(w http.ResponseWriter, r *http.Request, ps httprouter.Params, ac *auth.Context) {
	if err := h.api.CancelPending(r.Context(), ps.ByName("id"), ac); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *httpServer) handleDelegationSet(w http.ResponseWriter, r *http.Request, _ httprouter.Params, ac *auth.Context) {
	var args fvapi.DelegationSetArgs
	if !h.decode(w, r, &args) {
		return
	}
	res, err := h.api.DelegationSet(r.Context(), args, ac)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, statusCode(res.Status), res)
}

func (h *httpServer) handleDelegationConfirm(w http.ResponseWriter, r *http.Request, _ httprouter.Params, ac *auth.Context) {
	var args fvapi.DelegationConfirmArgs
	if !h.decode(w, r, &args) {
		return
	}
	res, err := h.api.DelegationConfirm(r.Context(), args, ac)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *httpServer) handleDelegationCheck(w http.ResponseWriter, r *http.Request, _ httprouter.Params, ac *auth.Context) {
	q := r.URL.Query()
	args := fvapi.DelegationCheckArgs{
		OwnerAddress:    q.Get("owner"),
		DelegateAddress: q.Get("delegate"),
	}
	res, err := h.api.DelegationCheck(r.Context(), args, ac)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *httpServer) handleDelegationList(w http.ResponseWriter, r *http.Request, ps httprouter.Params, ac *auth.Context) {
	recs, err := h.api.DelegationList(ps.ByName("owner"), ac)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"delegations": recs})
}

func (h *httpServer) handleCreateKey(w http.ResponseWriter, r *http.Request, _ httprouter.Params, ac *auth.Context) {
	var args fvapi.KeyCreateArgs
	if !h.decode(w, r, &args) {
		return
	}
	res, err := h.api.CreateKey(r.Context(), args, ac)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *httpServer) handleListKeys(w http.ResponseWriter, r *http.Request, _ httprouter.Params, ac *auth.Context) {
	keys, err := h.api.ListKeys(r.Context(), ac)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"keys": keys})
}

func (h *httpServer) handleRevokeKey(w http.ResponseWriter, r *http.Request, ps httprouter.Params, ac *auth.Context) {
	if err := h.api.RevokeKey(r.Context(), ps.ByName("name"), ac); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (h *httpServer) handleKeyPermissions(w http.ResponseWriter, r *http.Request, ps httprouter.Params, ac *auth.Context) {
	var args fvapi.KeyPermissionsArgs
	if !h.decode(w, r, &args) {
		return
	}
	if err := h.api.UpdateKeyPermissions(r.Context(), ps.ByName("name"), args, ac); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *httpServer) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	health := h.node.health(r.Context())
	code := http.StatusOK
	if !health.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}
