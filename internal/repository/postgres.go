// Package repository persists scope overrides in PostgreSQL. Values are
// stored as the flag's serialized text, so loading them back is a parse with
// the registered default of the same name. LISTEN/NOTIFY tells other
// instances to reload when an override changes.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultNotifyChannel = "flag_overrides"
	tracerName           = "github.com/matt-riley/flagtree/internal/repository"

	OperationUpserted = "upserted"
	OperationDeleted  = "deleted"
	OperationCleared  = "cleared"
)

// Override is a flag value set on a scope.
type Override struct {
	Scope     string    `json:"scope"`
	FlagName  string    `json:"flag_name"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PostgresRepository stores overrides in the flag_overrides table.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	notifyChannel string
	tracer        trace.Tracer
}

// NewPostgresRepository creates a [PostgresRepository] using the default
// "flag_overrides" notification channel.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return NewPostgresRepositoryWithChannel(pool, defaultNotifyChannel)
}

// NewPostgresRepositoryWithChannel creates a [PostgresRepository] notifying
// on the given LISTEN/NOTIFY channel.
func NewPostgresRepositoryWithChannel(pool *pgxpool.Pool, notifyChannel string) *PostgresRepository {
	return &PostgresRepository{
		pool:          pool,
		notifyChannel: normalizeNotifyChannel(notifyChannel),
		tracer:        otel.Tracer(tracerName),
	}
}

// ListOverrides returns every stored override ordered by scope and name.
func (r *PostgresRepository) ListOverrides(ctx context.Context) (_ []Override, err error) {
	ctx, span := r.tracer.Start(ctx, "repository.ListOverrides")
	defer func() { endSpan(span, err) }()

	rows, err := r.pool.Query(ctx, `
		SELECT scope, flag_name, value, updated_at
		FROM flag_overrides
		ORDER BY scope, flag_name
	`)
	if err != nil {
		return nil, fmt.Errorf("list overrides: %w", err)
	}
	defer rows.Close()

	overrides := make([]Override, 0)
	for rows.Next() {
		var o Override
		if err := rows.Scan(&o.Scope, &o.FlagName, &o.Value, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan override: %w", err)
		}
		overrides = append(overrides, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list overrides rows: %w", err)
	}

	span.SetAttributes(attribute.Int("flag.overrides", len(overrides)))
	return overrides, nil
}

// UpsertOverride inserts or replaces the override for (scope, flag name) and
// notifies listeners in the same transaction.
func (r *PostgresRepository) UpsertOverride(ctx context.Context, o Override) (_ Override, err error) {
	ctx, span := r.tracer.Start(ctx, "repository.UpsertOverride", trace.WithAttributes(
		attribute.String("flag.scope", o.Scope),
		attribute.String("flag.name", o.FlagName),
	))
	defer func() { endSpan(span, err) }()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Override{}, fmt.Errorf("begin upsert override tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var stored Override
	if err := tx.QueryRow(ctx, `
		INSERT INTO flag_overrides (scope, flag_name, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (scope, flag_name)
		DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
		RETURNING scope, flag_name, value, updated_at
	`, o.Scope, o.FlagName, o.Value).Scan(
		&stored.Scope,
		&stored.FlagName,
		&stored.Value,
		&stored.UpdatedAt,
	); err != nil {
		return Override{}, fmt.Errorf("upsert override: %w", err)
	}

	if err := r.notify(ctx, tx, stored.Scope, stored.FlagName, OperationUpserted); err != nil {
		return Override{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Override{}, fmt.Errorf("commit upsert override tx: %w", err)
	}

	return stored, nil
}

// DeleteOverride removes the override for (scope, flag name). It returns a
// wrapped pgx.ErrNoRows if nothing was stored.
func (r *PostgresRepository) DeleteOverride(ctx context.Context, scope, flagName string) (err error) {
	ctx, span := r.tracer.Start(ctx, "repository.DeleteOverride", trace.WithAttributes(
		attribute.String("flag.scope", scope),
		attribute.String("flag.name", flagName),
	))
	defer func() { endSpan(span, err) }()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete override tx: %w", err)
	}
	defer tx.Rollback(ctx)

	commandTag, err := tx.Exec(ctx, `DELETE FROM flag_overrides WHERE scope = $1 AND flag_name = $2`, scope, flagName)
	if err != nil {
		return fmt.Errorf("delete override: %w", err)
	}
	if err := deleteNoRows(commandTag); err != nil {
		return err
	}

	if err := r.notify(ctx, tx, scope, flagName, OperationDeleted); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete override tx: %w", err)
	}

	return nil
}

// DeleteScope removes every override stored for exactly this scope. Child
// scopes keep theirs.
func (r *PostgresRepository) DeleteScope(ctx context.Context, scope string) (err error) {
	ctx, span := r.tracer.Start(ctx, "repository.DeleteScope", trace.WithAttributes(
		attribute.String("flag.scope", scope),
	))
	defer func() { endSpan(span, err) }()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete scope tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM flag_overrides WHERE scope = $1`, scope); err != nil {
		return fmt.Errorf("delete scope: %w", err)
	}
	if err := r.notify(ctx, tx, scope, "", OperationCleared); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete scope tx: %w", err)
	}

	return nil
}

func (r *PostgresRepository) notify(ctx context.Context, tx pgx.Tx, scope, flagName, operation string) error {
	payload, err := marshalNotifyPayload(scope, flagName, operation)
	if err != nil {
		return fmt.Errorf("marshal notify payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, payload); err != nil {
		return fmt.Errorf("notify override change: %w", err)
	}
	return nil
}

// SubscribeOverrideInvalidation returns a channel that receives a signal
// whenever an override notification arrives. The channel is closed when ctx
// is done.
func (r *PostgresRepository) SubscribeOverrideInvalidation(ctx context.Context) (<-chan struct{}, error) {
	invalidations := make(chan struct{}, 1)

	go r.runInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runInvalidationListener(ctx context.Context, invalidations chan<- struct{}) {
	defer close(invalidations)

	for {
		err := r.listenForInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForInvalidation(ctx context.Context, invalidations chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for override notification: %w", err)
		}

		select {
		case invalidations <- struct{}{}:
		default:
		}
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func deleteNoRows(commandTag pgconn.CommandTag) error {
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete override: %w", pgx.ErrNoRows)
	}

	return nil
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func marshalNotifyPayload(scope, flagName, operation string) (string, error) {
	serialized, err := json.Marshal(struct {
		Scope     string `json:"scope"`
		FlagName  string `json:"flag_name,omitempty"`
		Operation string `json:"operation"`
	}{
		Scope:     scope,
		FlagName:  flagName,
		Operation: operation,
	})
	if err != nil {
		return "", err
	}

	return string(serialized), nil
}
