package market

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/lumenfeed/market_layer/internal/errors"
	"github.com/lumenfeed/market_layer/internal/httputil"
	"github.com/lumenfeed/market_layer/internal/logging"
	"github.com/lumenfeed/market_layer/internal/middleware"
)

// Handler exposes the marketplace operations over HTTP.
type Handler struct {
	service *Service
	log     *logging.Logger
}

// NewHandler creates the HTTP handler shell.
func NewHandler(service *Service, log *logging.Logger) *Handler {
	return &Handler{service: service, log: log}
}

// Register mounts the marketplace routes on the router.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/v1/market/buy", h.Buy).Methods(http.MethodPost)
	r.HandleFunc("/v1/market/buy-verified", h.BuyVerified).Methods(http.MethodPost)
	r.HandleFunc("/v1/market/collect", h.Collect).Methods(http.MethodPost)
	r.HandleFunc("/v1/market/collectibles", h.Create).Methods(http.MethodPost)
}

type buyRequest struct {
	PostDocPath string `json:"postDocPath"`
}

type collectRequest struct {
	Code string `json:"code"`
}

// Buy handles the trade purchase flow.
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	var req buyRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteServiceError(w, errors.InvalidRequest("postDocPath is required"))
		return
	}

	result, err := h.service.BuyCollectible(r.Context(), middleware.GetUserID(r.Context()), req.PostDocPath)
	if err != nil {
		h.respondError(w, r, "buy rejected", err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// BuyVerified handles the identity-gated purchase flow.
func (h *Handler) BuyVerified(w http.ResponseWriter, r *http.Request) {
	var req buyRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteServiceError(w, errors.InvalidRequest("postDocPath is required"))
		return
	}

	result, err := h.service.BuyCollectibleVerified(r.Context(), middleware.GetUserID(r.Context()), req.PostDocPath)
	if err != nil {
		h.respondError(w, r, "verified buy rejected", err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// Collect handles event-code redemption.
func (h *Handler) Collect(w http.ResponseWriter, r *http.Request) {
	var req collectRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteServiceError(w, errors.InvalidRequest("code is required"))
		return
	}

	result, err := h.service.CollectCollectible(r.Context(), middleware.GetUserID(r.Context()), req.Code)
	if err != nil {
		h.respondError(w, r, "collect rejected", err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// Create handles collectible creation.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteServiceError(w, errors.InvalidRequest("malformed request body"))
		return
	}

	result, err := h.service.CreateCollectible(r.Context(), middleware.GetUserID(r.Context()), req)
	if err != nil {
		h.respondError(w, r, "create rejected", err)
		return
	}
	httputil.WriteSuccess(w, result)
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	entry := h.log.WithContext(r.Context()).WithError(err)
	if se := errors.GetServiceError(err); se != nil && se.HTTPStatus < 500 {
		entry.Warn(msg)
	} else {
		entry.Error(msg)
	}
	httputil.WriteServiceError(w, err)
}
