package escrowapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/exitpool-labs/exitpool/internal/registry"
	"github.com/exitpool-labs/exitpool/internal/settlement"
)

var ErrInvalidConfig = errors.New("escrowapi: invalid config")

// SettlementService is the engine surface the API exposes.
type SettlementService interface {
	Owner() common.Address
	Greenlight(ctx context.Context, caller, token, inventory, beneficiary common.Address, amount, nonce *big.Int) error
	Claim(ctx context.Context, caller, token, beneficiary common.Address, amount, nonce *big.Int) error
	IsGreenlighted(ctx context.Context, token, beneficiary common.Address, amount, nonce *big.Int) (bool, error)
}

type TokenRegistry interface {
	RegisterDepositBox(ctx context.Context, caller, token, box common.Address) error
	RegisterMirror(ctx context.Context, caller, token, l2Token common.Address) error
	Lookup(ctx context.Context, token common.Address) (registry.Entry, error)
}

type RelayChecker interface {
	IsSuccessfulMsg(ctx context.Context, token, beneficiary common.Address, amount, nonce *big.Int) (bool, error)
}

type LedgerReader interface {
	Get(ctx context.Context, key common.Hash) (settlement.Record, error)
}

type Config struct {
	// Inventory is the default market-maker account debited by greenlights.
	Inventory common.Address

	// OwnerToken gates the owner-only routes (registry writes, greenlight).
	// Owner identity on-chain is an address; over HTTP it is this bearer token.
	OwnerToken string

	// MaxBodyBytes limits request sizes. Defaults to 1 MiB.
	MaxBodyBytes int64

	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	Now func() time.Time
}

func NewHandler(cfg Config, engine SettlementService, tokens TokenRegistry, relay RelayChecker, ledger LedgerReader) (http.Handler, error) {
	if engine == nil || tokens == nil || relay == nil || ledger == nil {
		return nil, fmt.Errorf("%w: nil service", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.OwnerToken) == "" {
		return nil, fmt.Errorf("%w: missing owner token", ErrInvalidConfig)
	}
	if cfg.Inventory == (common.Address{}) {
		return nil, fmt.Errorf("%w: missing inventory address", ErrInvalidConfig)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	h := &handler{
		cfg:    cfg,
		engine: engine,
		tokens: tokens,
		relay:  relay,
		ledger: ledger,
		limiter: newIPRateLimiter(
			cfg.RateLimitPerIPPerSecond,
			float64(cfg.RateLimitBurst),
			cfg.RateLimitMaxTrackedIPs,
		),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /v1/config", h.handleConfig)
	mux.HandleFunc("POST /v1/registry/deposit-box", h.ownerOnly(h.handleRegisterDepositBox))
	mux.HandleFunc("POST /v1/registry/mirror", h.ownerOnly(h.handleRegisterMirror))
	mux.HandleFunc("GET /v1/registry/{token}", h.handleRegistryLookup)
	mux.HandleFunc("POST /v1/greenlight", h.ownerOnly(h.handleGreenlight))
	mux.HandleFunc("POST /v1/claim", h.handleClaim)
	mux.HandleFunc("GET /v1/greenlighted", h.handleGreenlighted)
	mux.HandleFunc("GET /v1/message-relayed", h.handleMessageRelayed)
	mux.HandleFunc("GET /v1/settlements/{key}", h.handleSettlementStatus)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health checks must never be throttled.
		if r.URL.Path == "/healthz" {
			mux.ServeHTTP(w, r)
			return
		}

		now := h.cfg.Now().UTC()
		allowed := h.limiter.Allow(clientIP(r), now)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
		if !allowed {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"version": "v1",
				"error":   "rate_limited",
			})
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
		mux.ServeHTTP(w, r)
	}), nil
}

type handler struct {
	cfg Config

	engine  SettlementService
	tokens  TokenRegistry
	relay   RelayChecker
	ledger  LedgerReader
	limiter *ipRateLimiter
}

func (h *handler) ownerOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !checkBearer(r.Header.Get("Authorization"), h.cfg.OwnerToken) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"version": "v1",
				"error":   "unauthorized",
			})
			return
		}
		next(w, r)
	}
}

func checkBearer(header, want string) bool {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   "v1",
		"owner":     h.engine.Owner().Hex(),
		"inventory": h.cfg.Inventory.Hex(),
	})
}

type registerRequestBody struct {
	Token   string `json:"token"`
	Address string `json:"address"`
}

func (h *handler) handleRegisterDepositBox(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[registerRequestBody](w, r)
	if !ok {
		return
	}
	token, ok := requireAddress(w, body.Token, "invalid_token")
	if !ok {
		return
	}
	box, ok := requireAddress(w, body.Address, "invalid_address")
	if !ok {
		return
	}
	if err := h.tokens.RegisterDepositBox(r.Context(), h.engine.Owner(), token, box); err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    "v1",
		"token":      token.Hex(),
		"depositBox": box.Hex(),
	})
}

func (h *handler) handleRegisterMirror(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[registerRequestBody](w, r)
	if !ok {
		return
	}
	token, ok := requireAddress(w, body.Token, "invalid_token")
	if !ok {
		return
	}
	mirror, ok := requireAddress(w, body.Address, "invalid_address")
	if !ok {
		return
	}
	if err := h.tokens.RegisterMirror(r.Context(), h.engine.Owner(), token, mirror); err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":  "v1",
		"token":    token.Hex(),
		"l2Mirror": mirror.Hex(),
	})
}

func (h *handler) handleRegistryLookup(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("token")
	if !common.IsHexAddress(raw) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_token",
		})
		return
	}
	entry, err := h.tokens.Lookup(r.Context(), common.HexToAddress(raw))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"version": "v1",
			"error":   "internal",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    "v1",
		"token":      entry.Token.Hex(),
		"depositBox": entry.DepositBox.Hex(),
		"l2Mirror":   entry.L2Mirror.Hex(),
	})
}

type greenlightRequestBody struct {
	Token       string `json:"token"`
	Beneficiary string `json:"beneficiary"`
	Amount      string `json:"amount"`
	Nonce       string `json:"nonce"`
	// Inventory overrides the configured market-maker account.
	Inventory string `json:"inventory,omitempty"`
}

func (h *handler) handleGreenlight(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[greenlightRequestBody](w, r)
	if !ok {
		return
	}
	token, ok := requireAddress(w, body.Token, "invalid_token")
	if !ok {
		return
	}
	beneficiary, ok := requireAddress(w, body.Beneficiary, "invalid_beneficiary")
	if !ok {
		return
	}
	amount, ok := requireUint256(w, body.Amount, "invalid_amount")
	if !ok {
		return
	}
	nonce, ok := requireUint256(w, body.Nonce, "invalid_nonce")
	if !ok {
		return
	}
	inventory := h.cfg.Inventory
	if strings.TrimSpace(body.Inventory) != "" {
		if inventory, ok = requireAddress(w, body.Inventory, "invalid_inventory"); !ok {
			return
		}
	}

	err := h.engine.Greenlight(r.Context(), h.engine.Owner(), token, inventory, beneficiary, amount, nonce)
	if err != nil {
		writeSettlementError(w, err)
		return
	}
	w2 := settlement.Withdrawal{Token: token, Beneficiary: beneficiary, Amount: amount, Nonce: nonce}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":      "v1",
		"greenlighted": true,
		"key":          w2.Key().Hex(),
	})
}

type claimRequestBody struct {
	Caller      string `json:"caller"`
	Token       string `json:"token"`
	Beneficiary string `json:"beneficiary"`
	Amount      string `json:"amount"`
	Nonce       string `json:"nonce"`
}

func (h *handler) handleClaim(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[claimRequestBody](w, r)
	if !ok {
		return
	}
	caller, ok := requireAddress(w, body.Caller, "invalid_caller")
	if !ok {
		return
	}
	token, ok := requireAddress(w, body.Token, "invalid_token")
	if !ok {
		return
	}
	beneficiary, ok := requireAddress(w, body.Beneficiary, "invalid_beneficiary")
	if !ok {
		return
	}
	amount, ok := requireUint256(w, body.Amount, "invalid_amount")
	if !ok {
		return
	}
	nonce, ok := requireUint256(w, body.Nonce, "invalid_nonce")
	if !ok {
		return
	}

	// An owner claim through the API still needs the owner token; a caller
	// asserting the owner address without it is rejected before the engine
	// ever sees the request.
	if caller == h.engine.Owner() && !checkBearer(r.Header.Get("Authorization"), h.cfg.OwnerToken) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"version": "v1",
			"error":   "unauthorized",
		})
		return
	}

	if err := h.engine.Claim(r.Context(), caller, token, beneficiary, amount, nonce); err != nil {
		writeSettlementError(w, err)
		return
	}
	w2 := settlement.Withdrawal{Token: token, Beneficiary: beneficiary, Amount: amount, Nonce: nonce}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"claimed": true,
		"key":     w2.Key().Hex(),
	})
}

func (h *handler) handleGreenlighted(w http.ResponseWriter, r *http.Request) {
	token, beneficiary, amount, nonce, ok := parseWithdrawalQuery(w, r)
	if !ok {
		return
	}
	resolved, err := h.engine.IsGreenlighted(r.Context(), token, beneficiary, amount, nonce)
	if err != nil {
		writeSettlementError(w, err)
		return
	}
	w2 := settlement.Withdrawal{Token: token, Beneficiary: beneficiary, Amount: amount, Nonce: nonce}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":      "v1",
		"key":          w2.Key().Hex(),
		"greenlighted": resolved,
	})
}

func (h *handler) handleMessageRelayed(w http.ResponseWriter, r *http.Request) {
	token, beneficiary, amount, nonce, ok := parseWithdrawalQuery(w, r)
	if !ok {
		return
	}
	relayed, err := h.relay.IsSuccessfulMsg(r.Context(), token, beneficiary, amount, nonce)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"version": "v1",
			"error":   "oracle_unavailable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"relayed": relayed,
	})
}

func (h *handler) handleSettlementStatus(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(strings.TrimPrefix(r.PathValue("key"), "0x"))
	if len(raw) != 64 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_key",
		})
		return
	}
	key := common.HexToHash(raw)

	rec, err := h.ledger.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, settlement.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]any{
				"version": "v1",
				"found":   false,
				"key":     key.Hex(),
				"state":   string(settlement.StateUnset),
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"version": "v1",
			"error":   "internal",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":     "v1",
		"found":       true,
		"key":         key.Hex(),
		"state":       string(rec.State),
		"token":       rec.Withdrawal.Token.Hex(),
		"beneficiary": rec.Withdrawal.Beneficiary.Hex(),
		"amount":      rec.Withdrawal.Amount.String(),
		"nonce":       rec.Withdrawal.Nonce.String(),
		"createdAt":   rec.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":   rec.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

func parseWithdrawalQuery(w http.ResponseWriter, r *http.Request) (token, beneficiary common.Address, amount, nonce *big.Int, ok bool) {
	q := r.URL.Query()
	if token, ok = requireAddress(w, q.Get("token"), "invalid_token"); !ok {
		return
	}
	if beneficiary, ok = requireAddress(w, q.Get("beneficiary"), "invalid_beneficiary"); !ok {
		return
	}
	if amount, ok = requireUint256(w, q.Get("amount"), "invalid_amount"); !ok {
		return
	}
	nonce, ok = requireUint256(w, q.Get("nonce"), "invalid_nonce")
	return
}

func requireAddress(w http.ResponseWriter, raw, errCode string) (common.Address, bool) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   errCode,
		})
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func requireUint256(w http.ResponseWriter, raw, errCode string) (*big.Int, bool) {
	raw = strings.TrimSpace(raw)
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 || v.BitLen() > 256 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   errCode,
		})
		return nil, false
	}
	return v, true
}

func writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrUnauthorized):
		writeJSON(w, http.StatusForbidden, map[string]any{"version": "v1", "error": "unauthorized_caller"})
	case errors.Is(err, registry.ErrInvalidConfig):
		writeJSON(w, http.StatusBadRequest, map[string]any{"version": "v1", "error": "invalid_registration"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"version": "v1", "error": "internal"})
	}
}

func writeSettlementError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	errCode := "internal"
	switch {
	case errors.Is(err, settlement.ErrInvalidWithdrawal):
		code, errCode = http.StatusBadRequest, "invalid_withdrawal"
	case errors.Is(err, settlement.ErrUnauthorized):
		code, errCode = http.StatusForbidden, "unauthorized_caller"
	case errors.Is(err, settlement.ErrAlreadyGreenlighted):
		code, errCode = http.StatusConflict, "already_greenlighted"
	case errors.Is(err, settlement.ErrNotGreenlighted):
		code, errCode = http.StatusConflict, "not_greenlighted"
	case errors.Is(err, settlement.ErrAlreadyClaimed):
		code, errCode = http.StatusConflict, "already_claimed"
	case errors.Is(err, settlement.ErrWrongBeneficiary):
		code, errCode = http.StatusForbidden, "wrong_beneficiary"
	case errors.Is(err, settlement.ErrMessageNotRelayed):
		code, errCode = http.StatusConflict, "message_not_relayed"
	case errors.Is(err, settlement.ErrConflict):
		code, errCode = http.StatusConflict, "conflict"
	case errors.Is(err, settlement.ErrTransferFailed):
		code, errCode = http.StatusBadGateway, "transfer_failed"
	case errors.Is(err, settlement.ErrInvalidConfig):
		code, errCode = http.StatusBadRequest, "invalid_request"
	}
	writeJSON(w, code, map[string]any{"version": "v1", "error": errCode})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var out T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_json",
		})
		return out, false
	}
	return out, true
}

func clientIP(r *http.Request) string {
	xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xff != "" {
		parts := strings.Split(xff, ",")
		ip := strings.TrimSpace(parts[0])
		if ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(remote); err == nil {
		return addr.Addr().String()
	}
	if addr, err := netip.ParseAddr(remote); err == nil {
		return addr.String()
	}
	host := remote
	if i := strings.LastIndex(remote, ":"); i > 0 {
		host = remote[:i]
	}
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return addr.String()
	}
	return remote
}

type limiterState struct {
	tokens   float64
	lastAt   time.Time
	lastSeen time.Time
}

type ipRateLimiter struct {
	mu sync.Mutex

	refillPerSecond float64
	burst           float64
	maxTrackedIPs   int
	states          map[string]limiterState
}

func newIPRateLimiter(refillPerSecond float64, burst float64, maxTrackedIPs int) *ipRateLimiter {
	return &ipRateLimiter{
		refillPerSecond: refillPerSecond,
		burst:           burst,
		maxTrackedIPs:   maxTrackedIPs,
		states:          make(map[string]limiterState),
	}
}

func (l *ipRateLimiter) Allow(ip string, now time.Time) bool {
	if l == nil {
		return true
	}
	if ip == "" {
		ip = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.states[ip]
	if !ok {
		if len(l.states) >= l.maxTrackedIPs {
			l.evictOne()
		}
		l.states[ip] = limiterState{
			tokens:   l.burst - 1,
			lastAt:   now,
			lastSeen: now,
		}
		return true
	}

	elapsed := now.Sub(st.lastAt).Seconds()
	if elapsed > 0 {
		st.tokens += elapsed * l.refillPerSecond
		if st.tokens > l.burst {
			st.tokens = l.burst
		}
	}
	st.lastAt = now
	st.lastSeen = now

	if st.tokens < 1 {
		l.states[ip] = st
		return false
	}
	st.tokens -= 1
	l.states[ip] = st
	return true
}

func (l *ipRateLimiter) evictOne() {
	var oldestIP string
	var oldestAt time.Time
	first := true
	for ip, st := range l.states {
		if first || st.lastSeen.Before(oldestAt) {
			oldestIP = ip
			oldestAt = st.lastSeen
			first = false
		}
	}
	if oldestIP != "" {
		delete(l.states, oldestIP)
	}
}
