package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/licitahub/radar/pkg/models"
)

// SessionService persists search sessions for quota accounting and audit,
// plus the result payload served by GET /search-results.
type SessionService struct {
	pool *pgxpool.Pool
}

// NewSessionService creates the service.
func NewSessionService(pool *pgxpool.Pool) *SessionService {
	if pool == nil {
		panic("NewSessionService: pool must not be nil")
	}
	return &SessionService{pool: pool}
}

// Record writes the session row at pipeline stage 7.
func (s *SessionService) Record(ctx context.Context, session *models.SearchSession, response *models.SearchResponse) error {
	ufsJSON, _ := json.Marshal(session.UFs)
	kwJSON, _ := json.Marshal(session.CustomKeywords)
	var respJSON []byte
	if response != nil {
		var err error
		respJSON, err = json.Marshal(response)
		if err != nil {
			return fmt.Errorf("encoding session response: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO search_sessions (
			id, user_id, search_id, setor_id, ufs, data_inicial, data_final,
			custom_keywords, total_raw, total_filtrado, response_state,
			state, duration_ms, response, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		session.ID, session.UserID, session.SearchID, session.SetorID,
		ufsJSON, session.DataInicial, session.DataFinal, kwJSON,
		session.TotalRaw, session.TotalFiltrado, session.ResponseState,
		session.State, session.DurationMS, respJSON, session.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting search session: %w", err)
	}
	return nil
}

// ResultsBySearchID serves the progressive-delivery read path.
func (s *SessionService) ResultsBySearchID(ctx context.Context, searchID string) (*models.SearchResponse, error) {
	var respJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT response FROM search_sessions
		 WHERE search_id = $1 ORDER BY created_at DESC LIMIT 1`, searchID).
		Scan(&respJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading session results: %w", err)
	}
	if len(respJSON) == 0 {
		return nil, ErrNotFound
	}
	var resp models.SearchResponse
	if err := json.Unmarshal(respJSON, &resp); err != nil {
		return nil, fmt.Errorf("decoding session response: %w", err)
	}
	return &resp, nil
}

// RecoverAbandoned transitions persisted sessions stuck in a non-terminal
// state past the grace window to TIMED_OUT. Runs once at startup.
func (s *SessionService) RecoverAbandoned(ctx context.Context, grace time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE search_sessions
		 SET state = 'TIMED_OUT'
		 WHERE state NOT IN ('COMPLETED','FAILED','RATE_LIMITED','TIMED_OUT')
		   AND created_at < $1`,
		time.Now().Add(-grace))
	if err != nil {
		return 0, fmt.Errorf("recovering abandoned sessions: %w", err)
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		slog.Info("Recovered abandoned search sessions", "count", n)
	}
	return n, nil
}
