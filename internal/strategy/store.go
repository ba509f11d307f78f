package strategy

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/aristath/sentinel/internal/apperr"
	"github.com/aristath/sentinel/internal/database"
	"github.com/aristath/sentinel/internal/instruments"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store persists strategy parameters and stock selections, validating every
// write against the data-model bounds before it reaches the database. The
// engine reads its working set from the same tables.
type Store struct {
	db *database.DB
	zl zerolog.Logger
}

// NewStore constructs a Store over db.
func NewStore(db *database.DB, zl zerolog.Logger) *Store {
	return &Store{db: db, zl: zl.With().Str("component", "strategy_store").Logger()}
}

// validateStrategy enforces the parameter bounds every strategy row must
// satisfy: trade cap in 1..1000, risk in (0,100], stop-loss in (0,50],
// take-profit in (0,100] and strictly above the stop-loss, positive volume
// threshold.
func validateStrategy(s *Strategy) error {
	if strings.TrimSpace(s.Name) == "" {
		return apperr.New(apperr.KindValidation, "strategy name is required")
	}
	if s.MaxTradesPerDay < 1 || s.MaxTradesPerDay > 1000 {
		return apperr.New(apperr.KindValidation, "max_trades_per_day must be between 1 and 1000")
	}
	if s.RiskPercent <= 0 || s.RiskPercent > 100 {
		return apperr.New(apperr.KindValidation, "risk_percent must be in (0, 100]")
	}
	if s.StopLossPercent <= 0 || s.StopLossPercent > 50 {
		return apperr.New(apperr.KindValidation, "stop_loss_percent must be in (0, 50]")
	}
	if s.TakeProfitPercent <= 0 || s.TakeProfitPercent > 100 {
		return apperr.New(apperr.KindValidation, "take_profit_percent must be in (0, 100]")
	}
	if s.TakeProfitPercent <= s.StopLossPercent {
		return apperr.New(apperr.KindValidation, "take_profit_percent must exceed stop_loss_percent")
	}
	if s.VolumeThreshold <= 0 {
		return apperr.New(apperr.KindValidation, "volume_threshold must be positive")
	}
	return nil
}

// CreateStrategy validates and inserts a new strategy for userID, assigning
// its ID and timestamps.
func (st *Store) CreateStrategy(ctx context.Context, userID string, s Strategy) (*Strategy, error) {
	if err := validateStrategy(&s); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	s.ID = uuid.NewString()
	s.UserID = userID
	s.CreatedAt = now
	s.UpdatedAt = now

	_, err := st.db.ExecContext(ctx, `
		INSERT INTO strategy_params
			(id, user_id, name, description, enabled, max_trades_per_day, risk_percent,
			 stop_loss_percent, take_profit_percent, volume_threshold, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.UserID, s.Name, s.Description, s.Enabled, s.MaxTradesPerDay, s.RiskPercent,
		s.StopLossPercent, s.TakeProfitPercent, s.VolumeThreshold,
		now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDatabase, "failed to insert strategy", err)
	}

	st.zl.Info().Str("strategy_id", s.ID).Str("name", s.Name).Msg("strategy created")
	return &s, nil
}

// GetStrategy returns userID's strategy with the given id.
func (st *Store) GetStrategy(ctx context.Context, userID, id string) (*Strategy, error) {
	row := st.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, description, enabled, max_trades_per_day, risk_percent,
		       stop_loss_percent, take_profit_percent, volume_threshold, created_at, updated_at
		FROM strategy_params WHERE id = ? AND user_id = ?
	`, id, userID)

	s, err := scanStrategy(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "strategy not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDatabase, "failed to load strategy", err)
	}
	return s, nil
}

// ListStrategies returns every strategy belonging to userID, newest first.
func (st *Store) ListStrategies(ctx context.Context, userID string) ([]Strategy, error) {
	rows, err := st.db.QueryContext(ctx, `
		SELECT id, user_id, name, description, enabled, max_trades_per_day, risk_percent,
		       stop_loss_percent, take_profit_percent, volume_threshold, created_at, updated_at
		FROM strategy_params WHERE user_id = ? ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDatabase, "failed to list strategies", err)
	}
	defer rows.Close()

	var out []Strategy
	for rows.Next() {
		s, err := scanStrategy(rows.Scan)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindDatabase, "failed to scan strategy row", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// UpdateStrategy validates and overwrites the mutable fields of userID's
// strategy with the given id, refreshing updated_at.
func (st *Store) UpdateStrategy(ctx context.Context, userID, id string, s Strategy) (*Strategy, error) {
	if err := validateStrategy(&s); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	res, err := st.db.ExecContext(ctx, `
		UPDATE strategy_params
		SET name = ?, description = ?, enabled = ?, max_trades_per_day = ?, risk_percent = ?,
		    stop_loss_percent = ?, take_profit_percent = ?, volume_threshold = ?, updated_at = ?
		WHERE id = ? AND user_id = ?
	`, s.Name, s.Description, s.Enabled, s.MaxTradesPerDay, s.RiskPercent,
		s.StopLossPercent, s.TakeProfitPercent, s.VolumeThreshold,
		now.Format(time.RFC3339), id, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDatabase, "failed to update strategy", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperr.New(apperr.KindNotFound, "strategy not found")
	}

	return st.GetStrategy(ctx, userID, id)
}

// DeleteStrategy removes userID's strategy with the given id; the trades
// foreign key cascades.
func (st *Store) DeleteStrategy(ctx context.Context, userID, id string) error {
	res, err := st.db.ExecContext(ctx, `DELETE FROM strategy_params WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return apperr.Wrap(apperr.KindDatabase, "failed to delete strategy", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.KindNotFound, "strategy not found")
	}
	st.zl.Info().Str("strategy_id", id).Msg("strategy deleted")
	return nil
}

func scanStrategy(scan func(dest ...interface{}) error) (*Strategy, error) {
	var s Strategy
	var description sql.NullString
	var createdAt, updatedAt string
	err := scan(&s.ID, &s.UserID, &s.Name, &description, &s.Enabled, &s.MaxTradesPerDay,
		&s.RiskPercent, &s.StopLossPercent, &s.TakeProfitPercent, &s.VolumeThreshold,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	s.Description = description.String
	s.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	s.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &s, nil
}

// AddSelection activates a symbol for userID, validating it against the
// curated instrument universe. Re-adding an existing symbol reactivates it
// rather than conflicting, matching the (user_id, symbol) uniqueness rule.
func (st *Store) AddSelection(ctx context.Context, userID, symbol, exchange string) (*Selection, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	inst, ok := instruments.Lookup(symbol)
	if !ok {
		return nil, apperr.New(apperr.KindValidation, "symbol is outside the known instrument universe")
	}
	if exchange == "" {
		exchange = inst.Exchange
	}
	if exchange != "NSE" && exchange != "BSE" {
		return nil, apperr.New(apperr.KindValidation, "exchange must be NSE or BSE")
	}

	sel := Selection{
		ID:              uuid.NewString(),
		UserID:          userID,
		Symbol:          symbol,
		Exchange:        exchange,
		InstrumentToken: inst.InstrumentToken,
		Active:          true,
		AddedAt:         time.Now().UTC(),
	}

	_, err := st.db.ExecContext(ctx, `
		INSERT INTO stock_selection (id, user_id, symbol, exchange, active, added_at)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(user_id, symbol) DO UPDATE SET active = 1, exchange = excluded.exchange
	`, sel.ID, sel.UserID, sel.Symbol, sel.Exchange, sel.AddedAt.Format(time.RFC3339))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDatabase, "failed to add stock selection", err)
	}

	return st.getSelectionBySymbol(ctx, userID, symbol)
}

// ListSelections returns every stock selection belonging to userID.
func (st *Store) ListSelections(ctx context.Context, userID string) ([]Selection, error) {
	rows, err := st.db.QueryContext(ctx, `
		SELECT id, user_id, symbol, exchange, active, added_at
		FROM stock_selection WHERE user_id = ? ORDER BY symbol
	`, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDatabase, "failed to list stock selections", err)
	}
	defer rows.Close()

	var out []Selection
	for rows.Next() {
		sel, err := scanSelection(rows.Scan)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindDatabase, "failed to scan stock selection row", err)
		}
		out = append(out, *sel)
	}
	return out, rows.Err()
}

// SetSelectionActive toggles a selection without removing its row, so a
// symbol can be paused and resumed while keeping its added_at history.
func (st *Store) SetSelectionActive(ctx context.Context, userID, id string, active bool) error {
	res, err := st.db.ExecContext(ctx, `UPDATE stock_selection SET active = ? WHERE id = ? AND user_id = ?`,
		active, id, userID)
	if err != nil {
		return apperr.Wrap(apperr.KindDatabase, "failed to update stock selection", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.KindNotFound, "stock selection not found")
	}
	return nil
}

// RemoveSelection deletes userID's selection with the given id.
func (st *Store) RemoveSelection(ctx context.Context, userID, id string) error {
	res, err := st.db.ExecContext(ctx, `DELETE FROM stock_selection WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return apperr.Wrap(apperr.KindDatabase, "failed to remove stock selection", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.KindNotFound, "stock selection not found")
	}
	return nil
}

func (st *Store) getSelectionBySymbol(ctx context.Context, userID, symbol string) (*Selection, error) {
	row := st.db.QueryRowContext(ctx, `
		SELECT id, user_id, symbol, exchange, active, added_at
		FROM stock_selection WHERE user_id = ? AND symbol = ?
	`, userID, symbol)

	sel, err := scanSelection(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "stock selection not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDatabase, "failed to load stock selection", err)
	}
	return sel, nil
}

func scanSelection(scan func(dest ...interface{}) error) (*Selection, error) {
	var sel Selection
	var addedAt string
	if err := scan(&sel.ID, &sel.UserID, &sel.Symbol, &sel.Exchange, &sel.Active, &addedAt); err != nil {
		return nil, err
	}
	sel.AddedAt, _ = time.Parse(time.RFC3339, addedAt)
	if inst, ok := instruments.Lookup(sel.Symbol); ok {
		sel.InstrumentToken = inst.InstrumentToken
	}
	return &sel, nil
}
