// Package node exposes the ledger, engine, and gateway over HTTP.
package node

import (
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"cipherledger/internal/account"
	"cipherledger/internal/fhe"
	"cipherledger/internal/gateway"
	"cipherledger/internal/ledger"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Server wires the ledger, proving engine, and decryption gateway into an
// HTTP API.
type Server struct {
	ledger  *ledger.Ledger
	engine  *fhe.Engine
	gateway *gateway.Gateway
	log     *zap.Logger
	limiter *RateLimiter
	health  *HealthChecker
}

func NewServer(l *ledger.Ledger, engine *fhe.Engine, gw *gateway.Gateway, log *zap.Logger, ratePerMinute int) *Server {
	s := &Server{
		ledger:  l,
		engine:  engine,
		gateway: gw,
		log:     log,
		limiter: NewRateLimiter(ratePerMinute),
		health:  NewHealthChecker(Version),
	}
	s.health.Register("engine", func() error {
		if s.engine.PublicKey() == nil {
			return errors.New("engine has no public key")
		}
		return nil
	})
	return s
}

// RegisterHealthCheck adds an extra component to the health report.
func (s *Server) RegisterHealthCheck(name string, check func() error) {
	s.health.Register(name, check)
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/contract", s.handleContract)
	mux.HandleFunc("POST /v1/tx", s.handleSubmitTx)
	mux.HandleFunc("GET /v1/accounts/{addr}/total", s.handleTotal)
	mux.HandleFunc("GET /v1/accounts/{addr}/count", s.handleCount)
	mux.HandleFunc("GET /v1/accounts/{addr}/initialized", s.handleInitialized)
	mux.HandleFunc("GET /v1/accounts/{addr}/records", s.handleRecords)
	mux.HandleFunc("GET /v1/accounts/{addr}/records/{index}", s.handleRecord)
	mux.HandleFunc("GET /v1/authorized", s.handleAuthorized)
	mux.HandleFunc("POST /v1/decrypt", s.handleDecrypt)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return s.rateLimit(mux)
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.limiter.Allow(host) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Wire types.

// ContractInfo describes the running ledger.
type ContractInfo struct {
	Contract        string `json:"contract"`
	EnginePublicKey string `json:"engine_public_key"`
}

// TxRequest submits one encrypted expense.
type TxRequest struct {
	Caller   string `json:"caller"`
	Handle   string `json:"handle"`
	Proof    string `json:"proof"`
	Category string `json:"category"`
}

// TxResponse is the receipt for an accepted expense.
type TxResponse struct {
	TxID        string `json:"tx_id"`
	Timestamp   int64  `json:"timestamp"`
	RecordIndex uint64 `json:"record_index"`
	TotalHandle string `json:"total_handle"`
}

// DecryptWireRequest is the JSON form of a gateway decryption request.
type DecryptWireRequest struct {
	User           string     `json:"user"`
	UserPublicKey  string     `json:"user_public_key"`
	Pairs          []WirePair `json:"pairs"`
	SessionKey     string     `json:"session_public_key"`
	Contracts      []string   `json:"contracts"`
	StartTimestamp uint64     `json:"start_timestamp"`
	DurationDays   uint64     `json:"duration_days"`
	Signature      string     `json:"signature"`
}

// WirePair pairs a handle with its contract.
type WirePair struct {
	Handle   string `json:"handle"`
	Contract string `json:"contract"`
}

// DecryptWireResponse carries re-encrypted values in pair order.
type DecryptWireResponse struct {
	EphemeralPub string   `json:"ephemeral_pub"`
	Values       []string `json:"values"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: msg}})
}

// Handlers.

func (s *Server) handleContract(w http.ResponseWriter, r *http.Request) {
	pk := s.engine.PublicKey().Bytes()
	writeJSON(w, http.StatusOK, ContractInfo{
		Contract:        s.ledger.Contract().Hex(),
		EnginePublicKey: hex.EncodeToString(pk[:]),
	})
}

func (s *Server) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	var req TxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "malformed request body")
		return
	}
	caller, err := account.HexToAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "caller: "+err.Error())
		return
	}
	handle, err := fhe.ParseHandle(req.Handle)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "handle: "+err.Error())
		return
	}
	proof, err := hex.DecodeString(req.Proof)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "proof is not hex")
		return
	}

	rcpt, err := s.ledger.AddExpense(r.Context(), caller, handle, proof, req.Category)
	if err != nil {
		metricTxFailures.Inc()
		s.log.Warn("tx rejected", zap.String("caller", req.Caller), zap.Error(err))
		switch {
		case errors.Is(err, fhe.ErrProofInvalid), errors.Is(err, fhe.ErrMalformedInput):
			writeError(w, http.StatusBadRequest, "validation", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}
	metricTxTotal.Inc()
	writeJSON(w, http.StatusOK, TxResponse{
		TxID:        rcpt.TxID,
		Timestamp:   rcpt.Timestamp,
		RecordIndex: rcpt.RecordIndex,
		TotalHandle: rcpt.TotalHandle.Hex(),
	})
}

func (s *Server) pathAccount(w http.ResponseWriter, r *http.Request) (account.Address, bool) {
	addr, err := account.HexToAddress(r.PathValue("addr"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "address: "+err.Error())
		return account.Address{}, false
	}
	return addr, true
}

func (s *Server) handleTotal(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAccount(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"handle": s.ledger.EncryptedMonthlyTotal(addr).Hex()})
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAccount(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"count": s.ledger.ExpenseRecordCount(addr)})
}

func (s *Server) handleInitialized(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAccount(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"initialized": s.ledger.HasInitialized(addr)})
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAccount(w, r)
	if !ok {
		return
	}
	records := s.ledger.Records(addr)
	if records == nil {
		records = []ledger.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAccount(w, r)
	if !ok {
		return
	}
	index, err := strconv.ParseUint(r.PathValue("index"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "index must be a non-negative integer")
		return
	}
	rec, err := s.ledger.ExpenseRecord(addr, index)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAuthorized(w http.ResponseWriter, r *http.Request) {
	handle, err := fhe.ParseHandle(r.URL.Query().Get("handle"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "handle: "+err.Error())
		return
	}
	addr, err := account.HexToAddress(r.URL.Query().Get("account"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "account: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"allowed": s.ledger.Grants().IsAllowed(handle, addr)})
}

func (s *Server) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	metricDecryptRequests.Inc()
	var wire DecryptWireRequest
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "malformed request body")
		return
	}
	req, err := decodeDecryptRequest(&wire)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}

	res, err := s.gateway.Decrypt(req)
	if err != nil {
		s.log.Warn("decrypt rejected", zap.String("user", wire.User), zap.Error(err))
		switch {
		case errors.Is(err, gateway.ErrNotAuthorized):
			metricDecryptDenied.Inc()
			writeError(w, http.StatusForbidden, "not_authorized", err.Error())
		case errors.Is(err, gateway.ErrBadSignature):
			writeError(w, http.StatusForbidden, "bad_signature", err.Error())
		case errors.Is(err, gateway.ErrAuthorizationExpired):
			writeError(w, http.StatusForbidden, "expired", err.Error())
		case errors.Is(err, fhe.ErrUnknownHandle):
			writeError(w, http.StatusNotFound, "not_found", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}

	eph := res.EphemeralPub.Bytes()
	values := make([]string, len(res.Values))
	for i, v := range res.Values {
		values[i] = v.String()
	}
	writeJSON(w, http.StatusOK, DecryptWireResponse{
		EphemeralPub: hex.EncodeToString(eph[:]),
		Values:       values,
	})
}

func decodeDecryptRequest(wire *DecryptWireRequest) (*gateway.DecryptRequest, error) {
	user, err := account.HexToAddress(wire.User)
	if err != nil {
		return nil, errors.Wrap(err, "user")
	}
	userPub, err := hex.DecodeString(wire.UserPublicKey)
	if err != nil {
		return nil, errors.New("user_public_key is not hex")
	}
	sessionPub, err := hex.DecodeString(wire.SessionKey)
	if err != nil {
		return nil, errors.New("session_public_key is not hex")
	}
	sig, err := hex.DecodeString(wire.Signature)
	if err != nil {
		return nil, errors.New("signature is not hex")
	}
	pairs := make([]gateway.HandlePair, len(wire.Pairs))
	for i, p := range wire.Pairs {
		h, err := fhe.ParseHandle(p.Handle)
		if err != nil {
			return nil, errors.Wrapf(err, "pair %d handle", i)
		}
		c, err := account.HexToAddress(p.Contract)
		if err != nil {
			return nil, errors.Wrapf(err, "pair %d contract", i)
		}
		pairs[i] = gateway.HandlePair{Handle: h, Contract: c}
	}
	contracts := make([]account.Address, len(wire.Contracts))
	for i, c := range wire.Contracts {
		contracts[i], err = account.HexToAddress(c)
		if err != nil {
			return nil, errors.Wrapf(err, "contract %d", i)
		}
	}
	return &gateway.DecryptRequest{
		User:          user,
		UserPublicKey: userPub,
		Pairs:         pairs,
		Auth: gateway.Authorization{
			PublicKey:      sessionPub,
			Contracts:      contracts,
			StartTimestamp: wire.StartTimestamp,
			DurationDays:   wire.DurationDays,
		},
		Signature: sig,
	}, nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events := s.ledger.Events().All()
	if events == nil {
		events = []ledger.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.health.Check()
	status := http.StatusOK
	if health.OverallStatus == Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}
