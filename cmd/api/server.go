package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"escrowflow/auth"
	"escrowflow/escrow"
)

type ctxKey int

const ctxKeyUserID ctxKey = iota

// authService is the slice of auth.Service the server needs; kept as an
// interface so handler tests can stub it.
type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, error)
}

// escrowService mirrors the escrow.Service surface consumed by handlers.
type escrowService interface {
	Create(ctx context.Context, params escrow.CreateParams) (escrow.Record, error)
	Fund(ctx context.Context, escrowID, actorID string) error
	Release(ctx context.Context, escrowID, actorID string) error
	Cancel(ctx context.Context, escrowID, actorID string) error
	Dispute(ctx context.Context, escrowID, actorID string) error
	Get(ctx context.Context, escrowID, actorID string) (escrow.Record, error)
	ListForUser(ctx context.Context, userID string, skip, limit int) ([]escrow.Record, error)
	DashboardFor(ctx context.Context, userID string) (escrow.Dashboard, error)
}

// Server wires the domain services to HTTP. Request decoding and status-code
// mapping live here; all business rules stay in the services.
type Server struct {
	authService   authService
	escrowService escrowService
}

func NewServer(authSvc authService, escrowSvc escrowService) *Server {
	return &Server{
		authService:   authSvc,
		escrowService: escrowSvc,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/dashboard", s.withAuth(s.handleDashboard))
	mux.HandleFunc("/api/escrows", s.withAuth(s.handleEscrows))
	mux.HandleFunc("/api/escrows/", s.withAuth(s.handleEscrowDetail))
	return mux
}

// withAuth resolves the bearer token to a user id and stores it in the
// request context.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, err := s.authService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKeyUserID, userID)))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"health": "ok"})
}

type userResponse struct {
	ID        string  `json:"id"`
	Email     string  `json:"email"`
	FullName  string  `json:"fullName"`
	Balance   float64 `json:"balance"`
	IsActive  bool    `json:"isActive"`
	CreatedAt string  `json:"createdAt"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		FullName:  u.FullName,
		Balance:   u.Balance,
		IsActive:  u.IsActive,
		CreatedAt: u.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDuplicateEmail):
			writeError(w, http.StatusBadRequest, "email already exists")
		case errors.Is(err, auth.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "registration failed")
		}
		return
	}

	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accessToken": result.Token,
		"tokenType":   "bearer",
		"user":        toUserResponse(result.User),
	})
}

type milestoneResponse struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Amount      float64 `json:"amount"`
	IsCompleted bool    `json:"isCompleted"`
}

type escrowResponse struct {
	ID          string              `json:"id"`
	Title       string              `json:"title"`
	Description string              `json:"description,omitempty"`
	Amount      float64             `json:"amount"`
	Status      string              `json:"status"`
	BuyerID     string              `json:"buyerId"`
	SellerID    string              `json:"sellerId"`
	CreatedAt   string              `json:"createdAt"`
	UpdatedAt   string              `json:"updatedAt"`
	Milestones  []milestoneResponse `json:"milestones"`
}

func toEscrowResponse(rec escrow.Record) escrowResponse {
	resp := escrowResponse{
		ID:          rec.ID,
		Title:       rec.Title,
		Description: rec.Description,
		Amount:      rec.Amount,
		Status:      string(rec.Status),
		BuyerID:     rec.BuyerID,
		SellerID:    rec.SellerID,
		CreatedAt:   rec.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   rec.UpdatedAt.Format(time.RFC3339),
		Milestones:  make([]milestoneResponse, 0, len(rec.Milestones)),
	}
	for _, m := range rec.Milestones {
		resp.Milestones = append(resp.Milestones, milestoneResponse{
			ID:          m.ID,
			Title:       m.Title,
			Description: m.Description,
			Amount:      m.Amount,
			IsCompleted: m.IsCompleted,
		})
	}
	return resp
}

type createEscrowRequest struct {
	SellerEmail string `json:"sellerEmail"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Amount      float64 `json:"amount"`
	Milestones  []struct {
		Title       string  `json:"title"`
		Description string  `json:"description"`
		Amount      float64 `json:"amount"`
	} `json:"milestones"`
}

func (s *Server) handleEscrows(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value(ctxKeyUserID).(string)

	switch r.Method {
	case http.MethodPost:
		var req createEscrowRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		params := escrow.CreateParams{
			BuyerID:     userID,
			SellerEmail: req.SellerEmail,
			Title:       req.Title,
			Description: req.Description,
			Amount:      req.Amount,
		}
		for _, m := range req.Milestones {
			params.Milestones = append(params.Milestones, escrow.MilestoneParams{
				Title:       m.Title,
				Description: m.Description,
				Amount:      m.Amount,
			})
		}

		rec, err := s.escrowService.Create(r.Context(), params)
		if err != nil {
			writeEscrowError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toEscrowResponse(rec))

	case http.MethodGet:
		skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		records, err := s.escrowService.ListForUser(r.Context(), userID, skip, limit)
		if err != nil {
			writeEscrowError(w, err)
			return
		}
		items := make([]escrowResponse, 0, len(records))
		for _, rec := range records {
			items = append(items, toEscrowResponse(rec))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleEscrowDetail(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value(ctxKeyUserID).(string)

	rest := strings.TrimPrefix(r.URL.Path, "/api/escrows/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "escrow id required")
		return
	}
	escrowID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		rec, err := s.escrowService.Get(r.Context(), escrowID, userID)
		if err != nil {
			writeEscrowError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toEscrowResponse(rec))

	case len(parts) == 2 && r.Method == http.MethodPost:
		var err error
		switch parts[1] {
		case "fund":
			err = s.escrowService.Fund(r.Context(), escrowID, userID)
		case "release":
			err = s.escrowService.Release(r.Context(), escrowID, userID)
		case "cancel":
			err = s.escrowService.Cancel(r.Context(), escrowID, userID)
		case "dispute":
			err = s.escrowService.Dispute(r.Context(), escrowID, userID)
		default:
			writeError(w, http.StatusNotFound, "unknown action")
			return
		}
		if err != nil {
			writeEscrowError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	userID, _ := r.Context().Value(ctxKeyUserID).(string)
	d, err := s.escrowService.DashboardFor(r.Context(), userID)
	if err != nil {
		writeEscrowError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"balance":                d.Balance,
		"activeEscrowsCount":     d.ActiveCount,
		"completedEscrowsCount":  d.CompletedCount,
		"pendingMilestonesCount": d.PendingMilestonesCount,
	})
}

// writeEscrowError maps the escrow error taxonomy onto HTTP statuses.
func writeEscrowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, escrow.ErrNotFound), errors.Is(err, escrow.ErrSellerNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, escrow.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, escrow.ErrInvalidState),
		errors.Is(err, escrow.ErrInsufficientFunds),
		errors.Is(err, escrow.ErrBuyerIsSeller):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, escrow.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
