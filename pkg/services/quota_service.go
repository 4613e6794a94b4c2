package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// QuotaStatus is what the validate stage needs to admit a search.
type QuotaStatus struct {
	Plan      string
	Used      int
	Limit     int
	Remaining int
	IsAdmin   bool
}

// QuotaService consults the user_plans row shape owned by the external
// billing system. Only the columns the pipeline consumes are read here.
type QuotaService struct {
	pool *pgxpool.Pool
}

// NewQuotaService creates the service.
func NewQuotaService(pool *pgxpool.Pool) *QuotaService {
	if pool == nil {
		panic("NewQuotaService: pool must not be nil")
	}
	return &QuotaService{pool: pool}
}

// Check reads the user's plan and current-month consumption. Admins bypass
// quota entirely.
func (s *QuotaService) Check(ctx context.Context, userID string) (*QuotaStatus, error) {
	var (
		plan    string
		limit   int
		isAdmin bool
	)
	err := s.pool.QueryRow(ctx,
		`SELECT plan, monthly_search_limit, is_admin
		 FROM user_plans WHERE user_id = $1 AND active`, userID).
		Scan(&plan, &limit, &isAdmin)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading user plan: %w", err)
	}

	if isAdmin {
		return &QuotaStatus{Plan: plan, Limit: limit, Remaining: limit, IsAdmin: true}, nil
	}

	var used int
	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM search_sessions
		 WHERE user_id = $1 AND created_at >= date_trunc('month', NOW())`, userID).
		Scan(&used)
	if err != nil {
		return nil, fmt.Errorf("counting monthly searches: %w", err)
	}

	st := &QuotaStatus{Plan: plan, Used: used, Limit: limit, Remaining: limit - used}
	if st.Remaining <= 0 {
		return st, ErrQuotaExceeded
	}
	return st, nil
}
