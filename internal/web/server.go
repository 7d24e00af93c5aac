// Package web exposes the wager API and the live event stream over HTTP.
package web

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"github.com/vadiminshakov/crashgame/internal/domain"
	"github.com/vadiminshakov/crashgame/internal/services/fairness"
)

// ParticipantHeader carries the caller identity. Authentication happens upstream.
const ParticipantHeader = "X-Participant-Id"

const heartbeatInterval = 30 * time.Second

type wagers interface {
	PlaceWager(ctx context.Context, participantID string, amount decimal.Decimal, currency domain.Currency) (domain.WagerReceipt, error)
	CashOut(ctx context.Context, participantID string) (domain.CashoutReceipt, error)
	State() (domain.GameState, error)
}

type wallets interface {
	Account(participantID string) domain.Account
	Entries(participantID string) []domain.LedgerEntry
}

type roundReader interface {
	Round(seq uint64) (domain.Round, bool)
	History(limit int) []domain.Round
}

type priceReader interface {
	Rates() map[domain.Currency]decimal.Decimal
}

type verifier interface {
	Verify(seed string, roundSeq uint64, claimed decimal.Decimal) fairness.Verification
}

type eventSource interface {
	Subscribe() chan domain.Event
	Unsubscribe(ch chan domain.Event) uint64
	Dropped() uint64
}

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// Deps are the collaborators the handlers call into.
type Deps struct {
	Wagers   wagers
	Wallets  wallets
	Rounds   roundReader
	Verifier verifier
	Prices   priceReader
	Events   eventSource
}

// Server serves the wager API and an SSE stream of round events.
type Server struct {
	Addr string

	deps   Deps
	logger *zap.Logger

	heartbeat time.Duration
}

// NewServer creates a new web server instance.
func NewServer(addr string, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		Addr:      addr,
		deps:      deps,
		logger:    logger.With(zap.String("component", "web")),
		heartbeat: heartbeatInterval,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /state", s.handleState)
	mux.HandleFunc("POST /bets", s.handlePlaceWager)
	mux.HandleFunc("POST /cashout", s.handleCashOut)
	mux.HandleFunc("GET /wallet", s.handleWallet)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("GET /prices", s.handlePrices)
	mux.HandleFunc("GET /rounds/{seq}", s.handleRound)
	mux.HandleFunc("GET /rounds/{seq}/verify", s.handleVerify)
	mux.HandleFunc("GET /events", s.handleEvents)
	return mux
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", zap.String("addr", s.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartWithAutoTLS runs an HTTPS server with automatic TLS certificates via ACME.
// It also starts an HTTP server on port 80 to handle ACME HTTP-01 challenges.
func (s *Server) StartWithAutoTLS(ctx context.Context, domains []string, cacheDir string) error {
	if len(domains) == 0 {
		return fmt.Errorf("no domains provided for automatic TLS")
	}
	if cacheDir == "" {
		cacheDir = "cert-cache"
	}

	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(cacheDir),
	}

	httpSrv := &http.Server{
		Addr:              ":80",
		Handler:           manager.HTTPHandler(nil),
		ReadHeaderTimeout: 5 * time.Second,
	}

	tlsConfig := manager.TLSConfig()
	tlsConfig.MinVersion = tls.VersionTLS12

	httpsSrv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		TLSConfig:         tlsConfig,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("acme server shutdown", zap.Error(err))
		}
		if err := httpsSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("https server shutdown", zap.Error(err))
		}
	}()

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("acme server failed", zap.Error(err))
		}
	}()

	s.logger.Info("https server listening", zap.String("addr", s.Addr), zap.Strings("domains", domains))
	if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type placeWagerRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

type walletResponse struct {
	Account domain.Account       `json:"account"`
	Entries []domain.LedgerEntry `json:"entries"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	state, err := s.deps.Wagers.State()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handlePlaceWager(w http.ResponseWriter, r *http.Request) {
	var req placeWagerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.Wrap(domain.ErrInvalidAmount, err.Error()))
		return
	}
	currency, err := domain.ParseCurrency(req.Currency)
	if err != nil {
		s.writeError(w, err)
		return
	}

	receipt, err := s.deps.Wagers.PlaceWager(r.Context(), participant(r), req.Amount, currency)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func (s *Server) handleCashOut(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.deps.Wagers.CashOut(r.Context(), participant(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	pid := participant(r)
	if pid == "" {
		s.writeError(w, domain.ErrInvalidParticipant)
		return
	}
	entries := s.deps.Wallets.Entries(pid)
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, walletResponse{Account: s.deps.Wallets.Account(pid), Entries: entries})
}

type roundResponse struct {
	domain.Round
	Stats domain.RoundStats `json:"stats"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit", Kind: domain.KindValidation.String()})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	rounds := s.deps.Rounds.History(limit)
	out := make([]roundResponse, 0, len(rounds))
	for i := range rounds {
		out = append(out, roundResponse{Round: rounds[i], Stats: rounds[i].Stats()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePrices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Prices.Rates())
}

func (s *Server) handleRound(w http.ResponseWriter, r *http.Request) {
	round, ok := s.crashedRound(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, roundResponse{Round: round, Stats: round.Stats()})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	round, ok := s.crashedRound(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Verifier.Verify(round.Seed, round.Seq, round.CrashPoint))
}

// crashedRound resolves {seq}. The seed of a live round must stay secret, so only
// crashed rounds are served.
func (s *Server) crashedRound(w http.ResponseWriter, r *http.Request) (domain.Round, bool) {
	seq, err := strconv.ParseUint(r.PathValue("seq"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid round sequence", Kind: domain.KindValidation.String()})
		return domain.Round{}, false
	}

	round, ok := s.deps.Rounds.Round(seq)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("round %d not found", seq), Kind: domain.KindValidation.String()})
		return domain.Round{}, false
	}
	if round.Status != domain.RoundCrashed {
		s.writeError(w, errors.Wrapf(domain.ErrRoundNotRunning, "round %d has not crashed yet", seq))
		return domain.Round{}, false
	}
	return round, true
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.deps.Events.Subscribe()
	defer func() {
		missed := s.deps.Events.Unsubscribe(ch)
		if missed == 0 {
			return
		}
		s.logger.Warn("event subscriber fell behind",
			zap.String("remote", r.RemoteAddr),
			zap.Uint64("missed", missed),
			zap.Uint64("dropped_total", s.deps.Events.Dropped()))
	}()

	// send a comment heartbeat so proxies keep connection
	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case ev, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("failed to encode event", zap.String("event", ev.EventName()), zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\n", ev.EventName())
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind.String()})
}

func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation, domain.KindInsufficientBalance:
		return http.StatusBadRequest
	case domain.KindRoundState:
		return http.StatusConflict
	case domain.KindDependencyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func participant(r *http.Request) string {
	return r.Header.Get(ParticipantHeader)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
