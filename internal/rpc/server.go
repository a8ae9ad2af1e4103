// Package rpc exposes the wallet data plane over JSON-RPC 2.0, with a
// WebSocket feed for transaction status and error events.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/helix-wallet/helixd/internal/chains"
	walleterr "github.com/helix-wallet/helixd/internal/errors"
	"github.com/helix-wallet/helixd/internal/fees"
	"github.com/helix-wallet/helixd/internal/history"
	"github.com/helix-wallet/helixd/internal/monitor"
	"github.com/helix-wallet/helixd/internal/unified"
	"github.com/helix-wallet/helixd/internal/wallet"
	"github.com/helix-wallet/helixd/pkg/logging"
)

// Server is the JSON-RPC 2.0 server.
type Server struct {
	unified *unified.Service
	repo    *wallet.Repository
	coord   *chains.Coordinator
	fees    *fees.Service
	history *history.Service
	monitor *monitor.Handler
	log     *logging.Logger
	wsHub   *WSHub

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603

	// Application error codes.
	Unauthorized = -32001
	NotFound     = -32002
)

// NewServer creates the RPC server over the wallet services.
func NewServer(u *unified.Service, repo *wallet.Repository, coord *chains.Coordinator, feeSvc *fees.Service, hist *history.Service, mon *monitor.Handler) *Server {
	s := &Server{
		unified:  u,
		repo:     repo,
		coord:    coord,
		fees:     feeSvc,
		history:  hist,
		monitor:  mon,
		log:      logging.GetDefault().Component("rpc"),
		handlers: make(map[string]Handler),
	}
	s.registerHandlers()
	return s
}

func (s *Server) registerHandlers() {
	// Wallet methods
	s.handlers["wallet_create"] = s.walletCreate
	s.handlers["wallet_list"] = s.walletList
	s.handlers["wallet_get"] = s.walletGet
	s.handlers["wallet_delete"] = s.walletDelete
	s.handlers["wallet_unlock"] = s.walletUnlock
	s.handlers["wallet_lock"] = s.walletLock
	s.handlers["wallet_balances"] = s.walletBalances
	s.handlers["wallet_send"] = s.walletSend
	s.handlers["wallet_metadata"] = s.walletMetadata
	s.handlers["wallet_backup"] = s.walletBackup
	s.handlers["wallet_restore"] = s.walletRestore
	s.handlers["wallet_contracts"] = s.walletContracts

	// Chain methods
	s.handlers["chains_supported"] = s.chainsSupported
	s.handlers["chains_validateAddress"] = s.chainsValidateAddress

	// Fee methods
	s.handlers["fees_recommendations"] = s.feesRecommendations
	s.handlers["fees_estimate"] = s.feesEstimate
	s.handlers["fees_calculate"] = s.feesCalculate

	// History methods
	s.handlers["history_list"] = s.historyList
	s.handlers["history_search"] = s.historySearch
	s.handlers["history_stats"] = s.historyStats
	s.handlers["history_details"] = s.historyDetails
	s.handlers["history_export"] = s.historyExport

	// Monitor methods
	s.handlers["monitor_events"] = s.monitorEvents
	s.handlers["monitor_counts"] = s.monitorCounts
}

// Start begins serving on addr.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.wsHub = NewWSHub()
	go s.wsHub.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("OPTIONS /{$}", s.handleCORS)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ws/", s.handleWS)

	s.server = &http.Server{
		Handler:      corsMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", addr, "ws", "ws://"+addr+"/ws")
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// WSHub returns the WebSocket hub for event publication.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "Parse error", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "Invalid Request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "Method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		code, data := errorCode(err)
		s.writeError(w, req.ID, code, err.Error(), data)
		return
	}

	s.writeResult(w, req.ID, result)
}

// errorCode maps the error taxonomy onto JSON-RPC codes, carrying the
// kind as error data for clients that dispatch on it.
func errorCode(err error) (int, interface{}) {
	var werr *walleterr.Error
	if !errors.As(err, &werr) {
		return InternalError, nil
	}

	switch walleterr.CategoryOf(werr.Kind) {
	case walleterr.CategoryValidation:
		return InvalidParams, string(werr.Kind)
	case walleterr.CategorySecurity:
		return Unauthorized, string(werr.Kind)
	default:
		return InternalError, string(werr.Kind)
	}
}

func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
