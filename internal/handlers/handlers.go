package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/aaronwang/lotbid/internal/bidding"
	"github.com/aaronwang/lotbid/internal/models"
	redisstore "github.com/aaronwang/lotbid/internal/redis"
	"github.com/aaronwang/lotbid/internal/service"
)

// Handler contains HTTP request handlers
type Handler struct {
	biddingService *service.BiddingService
	log            *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(biddingService *service.BiddingService, log *zap.Logger) *Handler {
	return &Handler{
		biddingService: biddingService,
		log:            log,
	}
}

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/lots", h.CreateLot).Methods(http.MethodPost)
	api.HandleFunc("/lots/{id}", h.GetLot).Methods(http.MethodGet)
	api.HandleFunc("/lots/{id}/bids", h.PlaceBid).Methods(http.MethodPost)
	api.HandleFunc("/lots/{id}/bids.csv", h.ExportBids).Methods(http.MethodGet)
	api.HandleFunc("/lots/{id}/status", h.Transition).Methods(http.MethodPost)
	api.HandleFunc("/users/{id}/tier", h.SetTier).Methods(http.MethodPut)

	// preflight for any path; the CORS middleware writes the response
	router.Methods(http.MethodOptions).HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	router.Use(h.loggingMiddleware)
	router.Use(corsMiddleware)

	return router
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "api-gateway",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// CreateLot stores a new draft lot
func (h *Handler) CreateLot(w http.ResponseWriter, r *http.Request) {
	var req models.CreateLotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	snap, err := h.biddingService.CreateLot(r.Context(), &req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, snap)
}

// GetLot returns the public snapshot of a lot
func (h *Handler) GetLot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.biddingService.GetLot(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// PlaceBid handles bid placement requests
func (h *Handler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	lotID := mux.Vars(r)["id"]

	var bidReq models.BidRequest
	if err := json.NewDecoder(r.Body).Decode(&bidReq); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if bidReq.UserID == "" {
		respondError(w, http.StatusBadRequest, "User ID is required")
		return
	}

	response, err := h.biddingService.PlaceBid(r.Context(), lotID, &bidReq)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, response)
}

// Transition applies an externally driven status change
func (h *Handler) Transition(w http.ResponseWriter, r *http.Request) {
	var req models.TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	snap, err := h.biddingService.Transition(r.Context(), mux.Vars(r)["id"], req.Status)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// SetTier is the hook for the external verification workflow
func (h *Handler) SetTier(w http.ResponseWriter, r *http.Request) {
	var tier models.Tier
	if err := json.NewDecoder(r.Body).Decode(&tier); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if tier.Level < bidding.TierBasic || tier.Level > bidding.TierVerified {
		respondError(w, http.StatusBadRequest, "Tier level must be 0, 1 or 2")
		return
	}
	if tier.Cap != nil && !tier.Cap.IsPositive() {
		respondError(w, http.StatusBadRequest, "Tier cap must be positive")
		return
	}

	if err := h.biddingService.SetTier(r.Context(), mux.Vars(r)["id"], tier); err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, tier)
}

// ExportBids streams the lot's bid history as CSV to the seller or an admin
func (h *Handler) ExportBids(w http.ResponseWriter, r *http.Request) {
	lotID := mux.Vars(r)["id"]
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "User ID is required")
		return
	}

	// buffered so a failure can still produce a JSON error
	var buf bytes.Buffer
	if err := h.biddingService.ExportBids(r.Context(), lotID, userID, &buf); err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="lot-%s-bids.csv"`, lotID))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// rejectionStatus maps a rejection reason to its HTTP status
func rejectionStatus(reason bidding.Reason) int {
	switch reason {
	case bidding.ReasonVerificationRequired, bidding.ReasonSelfBid:
		return http.StatusForbidden
	case bidding.ReasonBelowMinimum, bidding.ReasonEnded:
		return http.StatusConflict
	case bidding.ReasonInvalidAmount:
		return http.StatusBadRequest
	}
	return http.StatusUnprocessableEntity
}

func (h *Handler) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var rej *bidding.Rejection
	switch {
	case errors.As(err, &rej):
		respondJSON(w, rejectionStatus(rej.Reason), models.RejectionResponse{
			Reason:               string(rej.Reason),
			Message:              rej.Error(),
			MinimumRequired:      rej.MinimumRequired,
			VerificationRequired: rej.Reason == bidding.ReasonVerificationRequired,
		})
	case errors.Is(err, redisstore.ErrLotNotFound):
		respondError(w, http.StatusNotFound, "Lot not found")
	case errors.Is(err, redisstore.ErrInvalidLot):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, bidding.ErrInvalidTransition), errors.Is(err, bidding.ErrLotStillOpen):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrForbidden):
		respondError(w, http.StatusForbidden, "Only the seller or an admin may export bids")
	case errors.Is(err, redisstore.ErrContention):
		respondError(w, http.StatusServiceUnavailable, "Lot is busy, retry")
	default:
		h.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Internal error")
	}
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, map[string]string{
		"error": message,
	})
}
