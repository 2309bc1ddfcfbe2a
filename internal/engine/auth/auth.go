package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ForbiddenError indicates the actor holds none of the required approval roles.
type ForbiddenError struct {
	Roles []string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("approval role required: %s", strings.Join(e.Roles, ", "))
}

// Service provides role checks backed by SQL.
type Service struct {
	DB *sql.DB
}

func (s Service) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

// ActorHasAnyRole reports whether the actor holds at least one of the roles.
func (s Service) ActorHasAnyRole(ctx context.Context, tx *sql.Tx, actorID string, roles []string) (bool, error) {
	if len(roles) == 0 {
		return true, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(roles)), ",")
	args := make([]any, 0, len(roles)+1)
	args = append(args, actorID)
	for _, r := range roles {
		args = append(args, r)
	}
	row := tx.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT 1 FROM actor_roles WHERE actor_id=? AND role_id IN (%s) LIMIT 1`, placeholders), args...)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// RequireAnyRole returns ForbiddenError when the actor holds none of the roles.
func (s Service) RequireAnyRole(ctx context.Context, tx *sql.Tx, actorID string, roles []string) error {
	ok, err := s.ActorHasAnyRole(ctx, tx, actorID, roles)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Roles: roles}
	}
	return nil
}
