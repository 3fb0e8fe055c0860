// Package api exposes a read-only HTTP and WebSocket view of a running peer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/peerbook/pkg/market"
	"github.com/uhyunpark/peerbook/pkg/util"
)

// Orders is the local order book.
type Orders interface {
	Get(ticker string) (market.SellOrder, bool, error)
	List() ([]market.SellOrder, error)
}

// Connections reports live transport connections by transport ID.
type Connections interface {
	Snapshot() (map[string]string, error)
}

type Config struct {
	Orders      Orders
	Remote      *market.RemoteBook
	Connections Connections
	Identity    func() IdentityInfo
	// AllowedOrigins for CORS; empty allows any origin.
	AllowedOrigins []string
	Clock          util.Clock
	Logger         *zap.SugaredLogger
}

// Server handles REST and WebSocket connections.
type Server struct {
	orders   Orders
	remote   *market.RemoteBook
	conns    Connections
	identity func() IdentityInfo
	origins  []string
	clock    util.Clock
	log      *zap.SugaredLogger

	router *mux.Router
	hub    *Hub
	http   *http.Server
}

func NewServer(cfg Config) *Server {
	s := &Server{
		orders:   cfg.Orders,
		remote:   cfg.Remote,
		conns:    cfg.Connections,
		identity: cfg.Identity,
		origins:  cfg.AllowedOrigins,
		clock:    cfg.Clock,
		log:      util.OrNop(cfg.Logger),
		router:   mux.NewRouter(),
	}
	if s.remote == nil {
		s.remote = market.NewRemoteBook()
	}
	if s.clock == nil {
		s.clock = util.RealClock{}
	}
	s.hub = NewHub(s.log)
	go s.hub.Run()

	s.setupRoutes()
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/identity", s.handleIdentity).Methods("GET")
	api.HandleFunc("/orders", s.handleListOrders).Methods("GET")
	api.HandleFunc("/orders/{ticker}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/remote-orders", s.handleRemoteOrders).Methods("GET")
	api.HandleFunc("/connections", s.handleConnections).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler is the router wrapped in CORS.
func (s *Server) Handler() http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}
	if len(s.origins) > 0 {
		opts.AllowedOrigins = s.origins
	}
	return cors.New(opts).Handler(s.router)
}

// Start serves on addr until Shutdown. It returns http.ErrServerClosed
// after a clean shutdown.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

func (s *Server) Serve(ln net.Listener) error {
	s.log.Infow("api_listening", "addr", ln.Addr().String())
	return s.http.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	err := s.http.Shutdown(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{Status: "ok", WSClients: s.hub.Clients()}
	if s.conns != nil {
		if snap, err := s.conns.Snapshot(); err == nil {
			status.Connections = len(snap)
		} else {
			status.Status = "degraded"
		}
	}
	respondJSON(w, status)
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	if s.identity == nil {
		respondError(w, http.StatusServiceUnavailable, "identity unavailable", "")
		return
	}
	respondJSON(w, s.identity())
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.orders.List()
	if err != nil {
		s.log.Warnw("api_list_orders_failed", "err", err)
		respondError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	orders = filterStatus(orders, r.URL.Query().Get("status"))
	respondJSON(w, OrderList{Orders: orders, Count: len(orders)})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	ticker := mux.Vars(r)["ticker"]
	order, ok, err := s.orders.Get(ticker)
	switch {
	case err != nil:
		s.log.Warnw("api_get_order_failed", "ticker", ticker, "err", err)
		respondError(w, http.StatusInternalServerError, "internal error", "")
	case !ok:
		respondError(w, http.StatusNotFound, market.ReasonNotFound, ticker)
	default:
		respondJSON(w, order)
	}
}

func (s *Server) handleRemoteOrders(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	orders := []market.RemoteOrder{}
	for _, o := range s.remote.List() {
		if status == "" || string(o.Status) == status {
			orders = append(orders, o)
		}
	}
	respondJSON(w, RemoteOrderList{Orders: orders, Count: len(orders)})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if s.conns == nil {
		respondJSON(w, []ConnectionInfo{})
		return
	}
	snap, err := s.conns.Snapshot()
	if err != nil {
		s.log.Warnw("api_connections_failed", "err", err)
		respondError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	out := make([]ConnectionInfo, 0, len(snap))
	for t, k := range snap {
		out = append(out, ConnectionInfo{TransportID: t, RPCKey: k})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransportID < out[j].TransportID })
	respondJSON(w, out)
}

// ==============================
// Broadcast Methods
// ==============================

// PublishEvent pushes an order event to subscribers of ChannelEvents and of
// the order's ticker channel. origin is "local" or "remote"; from is the RPC
// key of the peer whose book changed.
func (s *Server) PublishEvent(origin, from, event string, order market.SellOrder) {
	for _, ch := range []string{ChannelEvents, tickerChannel(order.Ticker)} {
		s.hub.BroadcastToChannel(ch, MarketEvent{
			Type:      "event",
			Channel:   ch,
			Event:     event,
			Origin:    origin,
			From:      from,
			Order:     order,
			Timestamp: util.NowMillis(s.clock),
		})
	}
}

// ==============================
// Helper Functions
// ==============================

func filterStatus(orders []market.SellOrder, status string) []market.SellOrder {
	if orders == nil {
		orders = []market.SellOrder{}
	}
	if status == "" {
		return orders
	}
	out := make([]market.SellOrder, 0, len(orders))
	for _, o := range orders {
		if string(o.Status) == status {
			out = append(out, o)
		}
	}
	return out
}

func splitChannels(raw string) []string {
	var out []string
	for _, ch := range strings.Split(raw, ",") {
		if ch = strings.TrimSpace(ch); ch != "" {
			out = append(out, ch)
		}
	}
	return out
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
