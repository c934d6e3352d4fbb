package websocket

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// observers are anonymous and read-only
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler serves the observer endpoints
type Handler struct {
	manager *Manager
	log     *zap.Logger
}

// NewHandler creates a handler
func NewHandler(manager *Manager, log *zap.Logger) *Handler {
	return &Handler{manager: manager, log: log}
}

// SetupRoutes configures the broadcast routes
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/ws/lots/{id}", h.HandleWebSocket)
	router.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
	router.HandleFunc("/stats/lots/{id}", h.GetStats).Methods(http.MethodGet)
	return router
}

type connectedMessage struct {
	Type     string `json:"type"`
	LotID    string `json:"lot_id"`
	ClientID string `json:"client_id"`
}

// HandleWebSocket upgrades the connection and subscribes it to the lot
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	lotID := mux.Vars(r)["id"]

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("failed to upgrade connection", zap.String("lot_id", lotID), zap.Error(err))
		return
	}

	client := &Client{
		ID:    uuid.NewString(),
		LotID: lotID,
		Conn:  conn,
		Send:  make(chan []byte, sendBuffer),
	}

	// queued before registration so it is always the first frame
	welcome, _ := json.Marshal(connectedMessage{Type: "connected", LotID: lotID, ClientID: client.ID})
	client.Send <- welcome

	h.manager.RegisterClient(client)
	go client.readPump(h.manager)
}

// HealthCheck returns service health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "broadcast-service"})
}

// GetStats returns the number of observers of a lot
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	lotID := mux.Vars(r)["id"]
	writeJSON(w, http.StatusOK, map[string]any{
		"lot_id":      lotID,
		"subscribers": h.manager.GetSubscriberCount(lotID),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
