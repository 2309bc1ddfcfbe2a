package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradeline/internal/config"
	"tradeline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func parseDecimal(v string) (decimal.Decimal, error) {
	if v == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(v)
}

func decimalMap(raw string) (map[string]decimal.Decimal, error) {
	out := map[string]decimal.Decimal{}
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func marshalDecimalMap(m map[string]decimal.Decimal) (string, error) {
	if m == nil {
		m = map[string]decimal.Decimal{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

const creditLineColumns = `id,label,ceiling,currency,interest_rate,commission_rate,start_date,expiry_date,status,thresholds_json,consumed_json,total_consumed,max_tolerance,min_tolerance,created_at,updated_at`

func scanCreditLine(scan func(dest ...any) error) (domain.CreditLine, error) {
	var c domain.CreditLine
	var ceiling, interest, commission, thresholds, consumed, total, maxTol, minTol string
	err := scan(&c.ID, &c.Label, &ceiling, &c.Currency, &interest, &commission,
		&c.StartDate, &c.ExpiryDate, &c.Status, &thresholds, &consumed, &total, &maxTol, &minTol,
		&c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if c.Ceiling, err = parseDecimal(ceiling); err != nil {
		return c, fmt.Errorf("credit line %s ceiling: %w", c.ID, err)
	}
	if c.InterestRate, err = parseDecimal(interest); err != nil {
		return c, err
	}
	if c.CommissionRate, err = parseDecimal(commission); err != nil {
		return c, err
	}
	if c.TotalConsumed, err = parseDecimal(total); err != nil {
		return c, err
	}
	if c.MaxTolerance, err = parseDecimal(maxTol); err != nil {
		return c, err
	}
	if c.MinTolerance, err = parseDecimal(minTol); err != nil {
		return c, err
	}
	if c.Thresholds, err = decimalMap(thresholds); err != nil {
		return c, fmt.Errorf("credit line %s thresholds: %w", c.ID, err)
	}
	if c.Consumed, err = decimalMap(consumed); err != nil {
		return c, fmt.Errorf("credit line %s consumption: %w", c.ID, err)
	}
	return c, nil
}

func (r Repo) InsertCreditLine(ctx context.Context, tx *sql.Tx, c domain.CreditLine) error {
	thresholds, err := marshalDecimalMap(c.Thresholds)
	if err != nil {
		return err
	}
	consumed, err := marshalDecimalMap(c.Consumed)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO credit_lines(`+creditLineColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Label, c.Ceiling.String(), c.Currency, c.InterestRate.String(), c.CommissionRate.String(),
		c.StartDate, c.ExpiryDate, c.Status, thresholds, consumed, c.TotalConsumed.String(),
		c.MaxTolerance.String(), c.MinTolerance.String(), c.CreatedAt, c.UpdatedAt)
	return err
}

// UpdateCreditLine persists the mutable part of a credit line: status and
// consumption. Ceiling, thresholds and dates are fixed at creation.
func (r Repo) UpdateCreditLine(ctx context.Context, tx *sql.Tx, c domain.CreditLine) error {
	consumed, err := marshalDecimalMap(c.Consumed)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE credit_lines SET status=?, consumed_json=?, total_consumed=?, updated_at=? WHERE id=?`,
		c.Status, consumed, c.TotalConsumed.String(), c.UpdatedAt, c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetCreditLine(ctx context.Context, id string) (domain.CreditLine, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+creditLineColumns+` FROM credit_lines WHERE id=?`, id)
	return scanCreditLine(row.Scan)
}

func (r Repo) GetCreditLineTx(ctx context.Context, tx *sql.Tx, id string) (domain.CreditLine, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+creditLineColumns+` FROM credit_lines WHERE id=?`, id)
	return scanCreditLine(row.Scan)
}

func (r Repo) ListCreditLines(ctx context.Context, status string) ([]domain.CreditLine, error) {
	query := `SELECT ` + creditLineColumns + ` FROM credit_lines`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CreditLine
	for rows.Next() {
		c, err := scanCreditLine(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) InsertGuarantee(ctx context.Context, tx *sql.Tx, g domain.Guarantee) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO guarantees(id,credit_line_id,type,amount,expiry_date,description,created_at) VALUES (?,?,?,?,?,?,?)`,
		g.ID, g.CreditLineID, g.Type, g.Amount.String(), g.ExpiryDate, nullable(g.Description), g.CreatedAt)
	return err
}

func (r Repo) ListGuarantees(ctx context.Context, creditLineID string) ([]domain.Guarantee, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,credit_line_id,type,amount,expiry_date,COALESCE(description,''),created_at FROM guarantees WHERE credit_line_id=? ORDER BY created_at ASC, id ASC`, creditLineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Guarantee
	for rows.Next() {
		var g domain.Guarantee
		var amount string
		if err := rows.Scan(&g.ID, &g.CreditLineID, &g.Type, &amount, &g.ExpiryDate, &g.Description, &g.CreatedAt); err != nil {
			return nil, err
		}
		if g.Amount, err = parseDecimal(amount); err != nil {
			return nil, fmt.Errorf("guarantee %s amount: %w", g.ID, err)
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

func (r Repo) UpsertWorkspaceConfig(ctx context.Context, workspaceID string, cfg *config.Config) error {
	return upsertWorkspaceConfig(ctx, r.DB, nil, workspaceID, cfg)
}

func (r Repo) UpsertWorkspaceConfigTx(ctx context.Context, tx *sql.Tx, workspaceID string, cfg *config.Config) error {
	return upsertWorkspaceConfig(ctx, nil, tx, workspaceID, cfg)
}

func upsertWorkspaceConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, workspaceID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Workspace.ID = workspaceID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO workspace_configs(workspace_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(workspace_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, workspaceID, string(payload), now, now)
	return err
}

func (r Repo) GetWorkspaceConfig(ctx context.Context, workspaceID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM workspace_configs WHERE workspace_id=?`, workspaceID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Workspace.ID == "" {
		cfg.Workspace.ID = workspaceID
	}
	return &cfg, cfg.Validate()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`
	return r.queryEvents(ctx, query, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
