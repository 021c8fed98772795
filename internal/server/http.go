package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"LendLedger/internal/core"
	"LendLedger/internal/observability"
	"LendLedger/internal/persistence"
	"LendLedger/internal/projection"
	"LendLedger/internal/query"
	"LendLedger/internal/state"
)

// HTTPServer serves the operation, query and admin APIs over HTTP/JSON.
// Mutations go straight to the engine; reads are served from the engine's
// live views or the projection tables.
type HTTPServer struct {
	engine        *core.LendingEngine
	queryService  *query.QueryService
	snapMgr       *persistence.SnapshotManager
	db            *sql.DB
	healthChecker *observability.HealthChecker
	log           zerolog.Logger

	httpServer *http.Server
}

type Deps struct {
	Engine        *core.LendingEngine
	QueryService  *query.QueryService
	SnapshotMgr   *persistence.SnapshotManager
	DB            *sql.DB
	HealthChecker *observability.HealthChecker
	Logger        zerolog.Logger
}

func NewHTTPServer(addr string, deps *Deps) *HTTPServer {
	s := &HTTPServer{
		engine:        deps.Engine,
		queryService:  deps.QueryService,
		snapMgr:       deps.SnapshotMgr,
		db:            deps.DB,
		healthChecker: deps.HealthChecker,
		log:           deps.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleLiveness)
	r.Get("/readyz", s.handleReadiness)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		// Operations
		r.Post("/deposit", s.handleDeposit)
		r.Post("/borrow", s.handleBorrow)
		r.Post("/repay", s.handleRepay)
		r.Post("/withdraw", s.handleWithdraw)
		r.Post("/wallet/withdraw", s.handleWalletWithdraw)
		r.Post("/liquidate", s.handleLiquidate)

		// Reads
		r.Get("/price", s.handleGetPrice)
		r.Get("/stats", s.handleGetStats)
		r.Get("/params", s.handleGetParams)
		r.Get("/accounts/{userID}", s.handleGetAccount)
		r.Get("/accounts/{userID}/balances", s.handleGetBalances)
		r.Get("/accounts/{userID}/journal", s.handleGetJournal)
		r.Get("/accounts/{userID}/liquidations", s.handleGetLiquidations)
		r.Get("/liquidations/recent", s.handleRecentLiquidations)
		r.Get("/protocol/balances", s.handleProtocolBalances)

		// Admin
		r.Route("/admin", func(r chi.Router) {
			r.Post("/params", s.handleUpdateParams)
			r.Post("/pause", s.handleSetPaused)
			r.Post("/fund-pool", s.handleFundPool)
			r.Post("/amm-liquidity", s.handleAmmLiquidity)
			r.Post("/projections/rebuild", s.handleRebuildProjections)
			r.Get("/integrity", s.handleVerifyIntegrity)
		})
	})

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: r,
	}

	return s
}

// Start serves until ctx is cancelled (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// --- Operation handlers ---

type operationRequest struct {
	OperationID string `json:"operation_id"`
	UserID      string `json:"user_id"`
	Amount      int64  `json:"amount"`
}

// parseOperation validates the shared request shape. A missing
// operation_id is rejected rather than generated server-side: retries must
// reuse the same id to dedup.
func (s *HTTPServer) parseOperation(w http.ResponseWriter, r *http.Request) (opID, userID uuid.UUID, amount int64, ok bool) {
	var req operationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body", err)
		return
	}

	opID, err := uuid.Parse(req.OperationID)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid operation_id", err)
		return
	}
	userID, err = uuid.Parse(req.UserID)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid user_id", err)
		return
	}

	return opID, userID, req.Amount, true
}

func (s *HTTPServer) handleDeposit(w http.ResponseWriter, r *http.Request) {
	opID, userID, amount, ok := s.parseOperation(w, r)
	if !ok {
		return
	}

	result, err := s.engine.Deposit(core.DepositCommand{
		OperationID: opID,
		UserID:      userID,
		Amount:      amount,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleBorrow(w http.ResponseWriter, r *http.Request) {
	opID, userID, amount, ok := s.parseOperation(w, r)
	if !ok {
		return
	}

	result, err := s.engine.Borrow(core.BorrowCommand{
		OperationID: opID,
		UserID:      userID,
		Amount:      amount,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleRepay(w http.ResponseWriter, r *http.Request) {
	opID, userID, amount, ok := s.parseOperation(w, r)
	if !ok {
		return
	}

	result, err := s.engine.Repay(core.RepayCommand{
		OperationID: opID,
		UserID:      userID,
		Amount:      amount,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	opID, userID, amount, ok := s.parseOperation(w, r)
	if !ok {
		return
	}

	result, err := s.engine.Withdraw(core.WithdrawCommand{
		OperationID: opID,
		UserID:      userID,
		Amount:      amount,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleWalletWithdraw(w http.ResponseWriter, r *http.Request) {
	opID, userID, amount, ok := s.parseOperation(w, r)
	if !ok {
		return
	}

	result, err := s.engine.WithdrawWallet(core.WalletWithdrawCommand{
		OperationID: opID,
		UserID:      userID,
		Amount:      amount,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

type liquidateRequest struct {
	OperationID  string `json:"operation_id"`
	LiquidatorID string `json:"liquidator_id"`
	BorrowerID   string `json:"borrower_id"`
	RepayAmount  int64  `json:"repay_amount"`
	MinOut       int64  `json:"min_out"`
}

func (s *HTTPServer) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body", err)
		return
	}

	opID, err := uuid.Parse(req.OperationID)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid operation_id", err)
		return
	}
	liquidatorID, err := uuid.Parse(req.LiquidatorID)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid liquidator_id", err)
		return
	}
	borrowerID, err := uuid.Parse(req.BorrowerID)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid borrower_id", err)
		return
	}

	result, err := s.engine.Liquidate(core.LiquidateCommand{
		OperationID:  opID,
		LiquidatorID: liquidatorID,
		BorrowerID:   borrowerID,
		RepayAmount:  req.RepayAmount,
		MinOut:       req.MinOut,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// --- Read handlers ---

func (s *HTTPServer) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	reading, err := s.engine.GetPrice()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"price":             reading.Price,
		"spread_ppm":        reading.SpreadPPM,
		"primary_age_sec":   int64(reading.PrimaryAge.Seconds()),
		"secondary_age_sec": int64(reading.SecondaryAge.Seconds()),
	})
}

func (s *HTTPServer) handleGetStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.GetStats())
}

func (s *HTTPServer) handleGetParams(w http.ResponseWriter, r *http.Request) {
	gs := s.engine.GetParams()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"paused":                    gs.Paused,
		"collateral_factor_ppm":     gs.CollateralFactorPPM,
		"liquidation_threshold_ppm": gs.LiquidationThresholdPPM,
		"liquidation_bonus_ppm":     gs.LiquidationBonusPPM,
		"close_factor_ppm":          gs.CloseFactorPPM,
		"deposit_fee_ppm":           gs.DepositFeePPM,
		"amm_fee_ppm":               gs.AmmFeePPM,
		"swap_on_liquidation":       gs.SwapOnLiquidation,
		"oracle_staleness_sec":      gs.OracleStalenessSec,
		"oracle_divergence_ppm":     gs.OracleDivergencePPM,
		"interest_base_rate_ppm":    gs.Interest.BaseRatePPM,
		"interest_slope1_ppm":       gs.Interest.Slope1PPM,
		"interest_slope2_ppm":       gs.Interest.Slope2PPM,
		"interest_kink_ppm":         gs.Interest.KinkPPM,
		"version":                   gs.Version,
	})
}

func (s *HTTPServer) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathUUID(w, r, "userID")
	if !ok {
		return
	}

	view, found := s.engine.GetAccount(userID)
	if !found {
		s.writeError(w, http.StatusNotFound, "account not found", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathUUID(w, r, "userID")
	if !ok {
		return
	}

	bal, err := s.queryService.GetBalances(r.Context(), userID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "query balances", err)
		return
	}
	s.writeJSON(w, http.StatusOK, bal)
}

func (s *HTTPServer) handleGetJournal(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathUUID(w, r, "userID")
	if !ok {
		return
	}

	limit := queryLimit(r, 100, 500)
	afterSeq := queryCursor(r)

	entries, err := s.queryService.GetJournalHistory(r.Context(), userID, limit, afterSeq)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "query journal", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"journals": entries})
}

func (s *HTTPServer) handleGetLiquidations(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathUUID(w, r, "userID")
	if !ok {
		return
	}

	limit := queryLimit(r, 50, 100)
	afterSeq := queryCursor(r)

	records, err := s.queryService.GetLiquidationHistory(r.Context(), userID, limit, afterSeq)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "query liquidations", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"liquidations": records})
}

func (s *HTTPServer) handleRecentLiquidations(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 20, 100)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"liquidations": s.queryService.GetRecentLiquidations(limit),
	})
}

func (s *HTTPServer) handleProtocolBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := s.queryService.GetProtocolBalances(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "query protocol balances", err)
		return
	}
	s.writeJSON(w, http.StatusOK, balances)
}

// --- Admin handlers ---

type updateParamsRequest struct {
	OperationID string `json:"operation_id"`
	CallerID    string `json:"caller_id"`
	NewAdmin    string `json:"new_admin,omitempty"` // Rotates the admin identity when set

	CollateralFactorPPM     int64 `json:"collateral_factor_ppm"`
	LiquidationThresholdPPM int64 `json:"liquidation_threshold_ppm"`
	LiquidationBonusPPM     int64 `json:"liquidation_bonus_ppm"`
	CloseFactorPPM          int64 `json:"close_factor_ppm"`
	DepositFeePPM           int64 `json:"deposit_fee_ppm"`
	AmmFeePPM               int64 `json:"amm_fee_ppm"`
	SwapOnLiquidation       bool  `json:"swap_on_liquidation"`
	OracleStalenessSec      int64 `json:"oracle_staleness_sec"`
	OracleDivergencePPM     int64 `json:"oracle_divergence_ppm"`
	InterestBaseRatePPM     int64 `json:"interest_base_rate_ppm"`
	InterestSlope1PPM       int64 `json:"interest_slope1_ppm"`
	InterestSlope2PPM       int64 `json:"interest_slope2_ppm"`
	InterestKinkPPM         int64 `json:"interest_kink_ppm"`
}

func (s *HTTPServer) handleUpdateParams(w http.ResponseWriter, r *http.Request) {
	var req updateParamsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body", err)
		return
	}

	opID, callerID, ok := s.parseAdminIDs(w, req.OperationID, req.CallerID)
	if !ok {
		return
	}

	var newAdmin uuid.UUID
	if req.NewAdmin != "" {
		parsed, err := uuid.Parse(req.NewAdmin)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid new_admin", err)
			return
		}
		newAdmin = parsed
	}

	err := s.engine.UpdateParams(opID, callerID, state.ParamUpdate{
		NewAdmin:                newAdmin,
		CollateralFactorPPM:     req.CollateralFactorPPM,
		LiquidationThresholdPPM: req.LiquidationThresholdPPM,
		LiquidationBonusPPM:     req.LiquidationBonusPPM,
		CloseFactorPPM:          req.CloseFactorPPM,
		DepositFeePPM:           req.DepositFeePPM,
		AmmFeePPM:               req.AmmFeePPM,
		SwapOnLiquidation:       req.SwapOnLiquidation,
		OracleStalenessSec:      req.OracleStalenessSec,
		OracleDivergencePPM:     req.OracleDivergencePPM,
		Interest: state.InterestParams{
			BaseRatePPM: req.InterestBaseRatePPM,
			Slope1PPM:   req.InterestSlope1PPM,
			Slope2PPM:   req.InterestSlope2PPM,
			KinkPPM:     req.InterestKinkPPM,
		},
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"applied": true})
}

type pauseRequest struct {
	OperationID string `json:"operation_id"`
	CallerID    string `json:"caller_id"`
	Paused      bool   `json:"paused"`
}

func (s *HTTPServer) handleSetPaused(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body", err)
		return
	}

	opID, callerID, ok := s.parseAdminIDs(w, req.OperationID, req.CallerID)
	if !ok {
		return
	}

	if err := s.engine.SetPaused(opID, callerID, req.Paused); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"paused": req.Paused})
}

type fundPoolRequest struct {
	OperationID string `json:"operation_id"`
	CallerID    string `json:"caller_id"`
	Amount      int64  `json:"amount"`
}

func (s *HTTPServer) handleFundPool(w http.ResponseWriter, r *http.Request) {
	var req fundPoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body", err)
		return
	}

	opID, callerID, ok := s.parseAdminIDs(w, req.OperationID, req.CallerID)
	if !ok {
		return
	}

	if err := s.engine.FundPool(opID, callerID, req.Amount); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"funded": true})
}

type ammLiquidityRequest struct {
	OperationID      string `json:"operation_id"`
	CallerID         string `json:"caller_id"`
	Direction        string `json:"direction"` // "add" or "remove"
	CollateralAmount int64  `json:"collateral_amount"`
	QuoteAmount      int64  `json:"quote_amount"`
}

func (s *HTTPServer) handleAmmLiquidity(w http.ResponseWriter, r *http.Request) {
	var req ammLiquidityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body", err)
		return
	}

	opID, callerID, ok := s.parseAdminIDs(w, req.OperationID, req.CallerID)
	if !ok {
		return
	}

	var err error
	switch req.Direction {
	case "add":
		err = s.engine.AddAmmLiquidity(opID, callerID, req.CollateralAmount, req.QuoteAmount)
	case "remove":
		err = s.engine.RemoveAmmLiquidity(opID, callerID, req.CollateralAmount, req.QuoteAmount)
	default:
		s.writeError(w, http.StatusBadRequest, "direction must be add or remove", nil)
		return
	}
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"applied": true})
}

func (s *HTTPServer) handleRebuildProjections(w http.ResponseWriter, r *http.Request) {
	if err := projection.RebuildProjections(r.Context(), s.db); err != nil {
		s.writeError(w, http.StatusInternalServerError, "rebuild projections", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"rebuilt": true})
}

func (s *HTTPServer) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.queryService.VerifyIntegrity(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "verify integrity", err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// --- Health handlers ---

func (s *HTTPServer) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if s.healthChecker != nil {
		s.healthChecker.LivenessHandler(w, r)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.healthChecker != nil {
		s.healthChecker.ReadinessHandler(w, r)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Helpers ---

func (s *HTTPServer) pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid "+param, err)
		return uuid.Nil, false
	}
	return id, true
}

func (s *HTTPServer) parseAdminIDs(w http.ResponseWriter, opIDStr, callerIDStr string) (opID, callerID uuid.UUID, ok bool) {
	opID, err := uuid.Parse(opIDStr)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid operation_id", err)
		return
	}
	callerID, err = uuid.Parse(callerIDStr)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid caller_id", err)
		return
	}
	return opID, callerID, true
}

func queryLimit(r *http.Request, def, max int) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			if n > max {
				return max
			}
			return n
		}
	}
	return def
}

func queryCursor(r *http.Request) *int64 {
	if raw := r.URL.Query().Get("before_sequence"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
			return &n
		}
	}
	return nil
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Have   int64  `json:"have,omitempty"`
	Need   int64  `json:"need,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func (s *HTTPServer) writeError(w http.ResponseWriter, status int, msg string, err error) {
	resp := errorResponse{Error: msg}
	if err != nil {
		resp.Detail = err.Error()
	}
	s.writeJSON(w, status, resp)
}

// writeEngineError maps the engine's failure taxonomy onto HTTP status
// codes and echoes the comparison values for client-side retry decisions.
func (s *HTTPServer) writeEngineError(w http.ResponseWriter, err error) {
	var opErr *core.Error
	if !errors.As(err, &opErr) {
		s.writeError(w, http.StatusInternalServerError, "internal error", err)
		return
	}

	status := http.StatusInternalServerError
	switch opErr.Kind {
	case core.KindInvalidAmount, core.KindInvalidParameter:
		status = http.StatusBadRequest
	case core.KindInsufficientCollateral, core.KindInsufficientBalance, core.KindInsufficientLiquidity:
		status = http.StatusUnprocessableEntity
	case core.KindAccountHealthy, core.KindAlreadyLiquidated, core.KindDuplicateOperation:
		status = http.StatusConflict
	case core.KindOracleUnavailable, core.KindStalePrice, core.KindPriceDivergence, core.KindProtocolPaused:
		status = http.StatusServiceUnavailable
	case core.KindUnauthorized:
		status = http.StatusForbidden
	}

	s.writeJSON(w, status, errorResponse{
		Error:  opErr.Op + " rejected",
		Kind:   opErr.Kind.String(),
		Have:   opErr.Have,
		Need:   opErr.Need,
		Detail: opErr.Detail,
	})
}
