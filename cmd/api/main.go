package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/ssekandi/vslaledger/pkg/cache"
	"github.com/ssekandi/vslaledger/pkg/config"
	"github.com/ssekandi/vslaledger/pkg/ledger"
	"github.com/ssekandi/vslaledger/pkg/models"
	"github.com/ssekandi/vslaledger/pkg/schedule"
	"github.com/ssekandi/vslaledger/pkg/shareout"
	"github.com/ssekandi/vslaledger/pkg/store"
)

// Server wires the financial core to HTTP.
type Server struct {
	ledger   *ledger.Ledger
	shareout *shareout.Service
	storage  store.Storage
	calc     *schedule.Calculator
	previews cache.Cache
	logger   *logrus.Logger
}

// NewServer builds a Server over the given storage and preview cache.
func NewServer(s store.Storage, previews cache.Cache, logger *logrus.Logger) *Server {
	l := ledger.NewLedger(s, logger)
	return &Server{
		ledger:   l,
		shareout: shareout.NewService(s, l.Poster(), l.Locks(), logger),
		storage:  s,
		calc:     schedule.NewCalculator(),
		previews: previews,
		logger:   logger,
	}
}

func (s *Server) routes(router *mux.Router) {
	router.HandleFunc("/accounts", s.createAccountHandler).Methods("POST")
	router.HandleFunc("/accounts/{id}", s.getAccountHandler).Methods("GET")
	router.HandleFunc("/accounts/{id}/entries", s.listAccountEntriesHandler).Methods("GET")

	router.HandleFunc("/loans/preview", s.previewScheduleHandler).Methods("POST")
	router.HandleFunc("/loans", s.applyLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/schedule", s.getScheduleHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/approve", s.approveLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/reject", s.rejectLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/default", s.defaultLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/repayments", s.repayLoanHandler).Methods("POST")

	router.HandleFunc("/transactions", s.createTransactionHandler).Methods("POST")

	router.HandleFunc("/cycles", s.createCycleHandler).Methods("POST")
	router.HandleFunc("/cycles/{id}", s.getCycleHandler).Methods("GET")
	router.HandleFunc("/cycles/{id}/shares", s.listSharesHandler).Methods("GET")
	router.HandleFunc("/cycles/{id}/share-out", s.calculateShareOutHandler).Methods("POST")
	router.HandleFunc("/cycles/{id}/share-out/approve", s.approveSharesHandler).Methods("POST")
	router.HandleFunc("/cycles/{id}/settle", s.settleCycleHandler).Methods("POST")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the core's error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidLoanTerms):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, models.ErrAlreadyApproved), errors.Is(err, models.ErrAlreadyProcessed):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, models.ErrInsufficientFunds), errors.Is(err, models.ErrInsufficientBalance),
		errors.Is(err, models.ErrCycleNotEligible), errors.Is(err, models.ErrNoContributions):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, models.ErrUnbalancedPosting):
		// A defect, not user error: log it, hide the detail.
		s.logger.WithError(err).Error("unbalanced posting reached the API layer")
		http.Error(w, "internal posting error", http.StatusInternalServerError)
	default:
		s.logger.WithError(err).Error("request failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func pathID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(mux.Vars(r)["id"])
}

func (s *Server) createAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GroupID       uuid.UUID          `json:"group_id"`
		MemberID      *uuid.UUID         `json:"member_id,omitempty"`
		Name          string             `json:"name"`
		Kind          models.AccountKind `json:"kind"`
		Currency      models.Currency    `json:"currency"`
		Balance       decimal.Decimal    `json:"balance"`
		AllowNegative bool               `json:"allow_negative"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	account := &models.Account{
		ID:            uuid.New(),
		GroupID:       req.GroupID,
		MemberID:      req.MemberID,
		Name:          req.Name,
		Kind:          req.Kind,
		Currency:      req.Currency,
		Balance:       req.Balance,
		AllowNegative: req.AllowNegative,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.storage.CreateAccount(account); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, account)
}

func (s *Server) getAccountHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}
	account, err := s.storage.GetAccount(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, account)
}

func (s *Server) listAccountEntriesHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}
	entries, err := s.storage.ListEntriesForAccount(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

// previewScheduleHandler prices terms without persisting anything.
// Results are memoized: identical terms always produce the identical
// schedule, so the digest of the terms is a stable cache key.
func (s *Server) previewScheduleHandler(w http.ResponseWriter, r *http.Request) {
	var terms models.LoanTerms
	if err := json.NewDecoder(r.Body).Decode(&terms); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	key := previewKey(terms)
	if cached, ok := s.previews.Get(key); ok {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(cached))
		return
	}

	installments, totalPayable, err := s.calc.Schedule(terms)
	if err != nil {
		s.writeError(w, err)
		return
	}
	response := struct {
		Installments []models.RepaymentInstallment `json:"installments"`
		TotalPayable decimal.Decimal               `json:"total_payable"`
	}{installments, totalPayable}

	body, err := json.Marshal(response)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.previews.Set(key, string(body)); err != nil {
		s.logger.WithError(err).Warn("failed to cache schedule preview")
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func previewKey(terms models.LoanTerms) string {
	raw, _ := json.Marshal(terms)
	sum := sha256.Sum256(raw)
	return "preview:" + hex.EncodeToString(sum[:])
}

func (s *Server) applyLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GroupID         uuid.UUID        `json:"group_id"`
		MemberID        uuid.UUID        `json:"member_id"`
		MemberAccountID uuid.UUID        `json:"member_account_id"`
		ProductCode     string           `json:"product_code"`
		Terms           models.LoanTerms `json:"terms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ProductCode == "" {
		http.Error(w, "product_code is required", http.StatusBadRequest)
		return
	}

	loan, err := s.ledger.Apply(req.GroupID, req.MemberID, req.MemberAccountID, req.ProductCode, req.Terms)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, loan)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "invalid loan id", http.StatusBadRequest)
		return
	}
	loan, err := s.ledger.GetLoan(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, loan)
}

func (s *Server) getScheduleHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "invalid loan id", http.StatusBadRequest)
		return
	}
	installments, err := s.ledger.GetSchedule(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, installments)
}

func (s *Server) approveLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "invalid loan id", http.StatusBadRequest)
		return
	}
	var req struct {
		DisbursementAccountID uuid.UUID `json:"disbursement_account_id"`
		ApprovedBy            string    `json:"approved_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	loan, err := s.ledger.Approve(id, req.DisbursementAccountID, req.ApprovedBy)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, loan)
}

func (s *Server) rejectLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "invalid loan id", http.StatusBadRequest)
		return
	}
	loan, err := s.ledger.Reject(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, loan)
}

func (s *Server) defaultLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "invalid loan id", http.StatusBadRequest)
		return
	}
	loan, err := s.ledger.MarkDefaulted(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, loan)
}

func (s *Server) repayLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "invalid loan id", http.StatusBadRequest)
		return
	}
	var req struct {
		FromAccountID uuid.UUID       `json:"from_account_id"`
		Amount        decimal.Decimal `json:"amount"`
		RecordedBy    string          `json:"recorded_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	loan, err := s.ledger.ApplyRepayment(id, req.FromAccountID, req.Amount, req.RecordedBy)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, loan)
}

func (s *Server) createTransactionHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GroupID    uuid.UUID              `json:"group_id"`
		MemberID   uuid.UUID              `json:"member_id"`
		Type       models.TransactionType `json:"type"`
		Amount     decimal.Decimal        `json:"amount"`
		OccurredAt time.Time              `json:"occurred_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !req.Type.Valid() {
		http.Error(w, "unknown transaction type", http.StatusBadRequest)
		return
	}
	if !req.Amount.IsPositive() {
		http.Error(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	occurred := req.OccurredAt
	if occurred.IsZero() {
		occurred = now
	}
	tx := &models.MemberTransaction{
		ID:         uuid.New(),
		GroupID:    req.GroupID,
		MemberID:   req.MemberID,
		Type:       req.Type,
		Amount:     req.Amount,
		Status:     models.TxApproved,
		OccurredAt: occurred,
		CreatedAt:  now,
	}
	if err := s.storage.CreateMemberTransaction(tx); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, tx)
}

func (s *Server) createCycleHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GroupID         uuid.UUID       `json:"group_id"`
		PoolAccountID   uuid.UUID       `json:"pool_account_id"`
		StartDate       time.Time       `json:"start_date"`
		EndDate         time.Time       `json:"end_date"`
		WelfareRefunded bool            `json:"welfare_refunded"`
		Currency        models.Currency `json:"currency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !req.EndDate.After(req.StartDate) {
		http.Error(w, "end_date must be after start_date", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	cycle := &models.Cycle{
		ID:              uuid.New(),
		GroupID:         req.GroupID,
		PoolAccountID:   req.PoolAccountID,
		StartDate:       req.StartDate,
		EndDate:         req.EndDate,
		Status:          models.CycleActive,
		WelfareRefunded: req.WelfareRefunded,
		Currency:        req.Currency,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.storage.CreateCycle(cycle); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, cycle)
}

func (s *Server) getCycleHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "invalid cycle id", http.StatusBadRequest)
		return
	}
	cycle, err := s.storage.GetCycle(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cycle)
}

func (s *Server) listSharesHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "invalid cycle id", http.StatusBadRequest)
		return
	}
	shares, err := s.shareout.ListShares(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, shares)
}

func (s *Server) calculateShareOutHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "invalid cycle id", http.StatusBadRequest)
		return
	}
	shares, err := s.shareout.CalculateShareOut(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, shares)
}

func (s *Server) approveSharesHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "invalid cycle id", http.StatusBadRequest)
		return
	}
	if err := s.shareout.ApproveShares(id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) settleCycleHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "invalid cycle id", http.StatusBadRequest)
		return
	}
	var req struct {
		SettledBy string `json:"settled_by"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	results, err := s.shareout.Settle(id, req.SettledBy)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, results)
}

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg := config.Load()

	sqliteStore, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		logger.Fatalf("failed to initialize store: %v", err)
	}
	defer sqliteStore.Close()

	var previews cache.Cache
	if cfg.RedisAddr != "" {
		previews = cache.NewRedisCache(cfg.RedisAddr)
		logger.Infof("schedule previews cached in Redis at %s", cfg.RedisAddr)
	} else {
		previews = cache.NewMemoryCache()
	}

	server := NewServer(sqliteStore, previews, logger)
	router := mux.NewRouter()
	server.routes(router)

	c := cron.New()
	if _, err := c.AddFunc(cfg.PenaltyCronSpec, func() {
		logger.Info("running late-penalty sweep")
		if err := server.ledger.ApplyLatePenalties(time.Now().UTC()); err != nil {
			logger.WithError(err).Error("late-penalty sweep failed")
		}
	}); err != nil {
		logger.Fatalf("invalid penalty cron spec %q: %v", cfg.PenaltyCronSpec, err)
	}
	c.Start()
	defer c.Stop()

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}
	go func() {
		logger.Infof("server listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("graceful shutdown failed")
	}
}
