package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/kaiba/internal/models"
	"github.com/google/uuid"
)

const subscriptionColumns = `id, persona_id, name, url, secret, enabled, events, headers, max_retries, timeout_ms, payload_format, created_at, updated_at`

// CreateSubscription inserts a webhook subscription. An empty ID is generated.
func (s *Store) CreateSubscription(ctx context.Context, sub models.Subscription) (*models.Subscription, error) {
	if err := sub.Validate(); err != nil {
		return nil, fmt.Errorf("invalid subscription: %w", err)
	}
	now := time.Now().UTC()
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	sub.CreatedAt = now
	sub.UpdatedAt = now

	events, headers, err := encodeSubscription(sub)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO webhooks (`+subscriptionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.PersonaID, sub.Name, sub.URL, sub.Secret, sub.Enabled, events, headers,
		sub.MaxRetries, sub.TimeoutMs, sub.PayloadFormat, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert webhook: %w", err)
	}
	return &sub, nil
}

// UpdateSubscription replaces the mutable fields of a subscription.
func (s *Store) UpdateSubscription(ctx context.Context, sub models.Subscription) (*models.Subscription, error) {
	if err := sub.Validate(); err != nil {
		return nil, fmt.Errorf("invalid subscription: %w", err)
	}
	sub.UpdatedAt = time.Now().UTC()
	events, headers, err := encodeSubscription(sub)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhooks SET name = ?, url = ?, secret = ?, enabled = ?, events = ?, headers = ?, max_retries = ?,
			timeout_ms = ?, payload_format = ?, updated_at = ?
		 WHERE id = ?`,
		sub.Name, sub.URL, sub.Secret, sub.Enabled, events, headers, sub.MaxRetries,
		sub.TimeoutMs, sub.PayloadFormat, sub.UpdatedAt, sub.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update webhook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("webhook %s: %w", sub.ID, ErrNotFound)
	}
	return s.GetSubscription(ctx, sub.ID)
}

// DeleteSubscription removes a subscription. Its deliveries are kept for
// inspection; pending ones are cancelled at their next attempt.
func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("webhook %s: %w", id, ErrNotFound)
	}
	return nil
}

func encodeSubscription(sub models.Subscription) (events, headers string, err error) {
	events, err = marshalJSON(sub.Events)
	if err != nil {
		return "", "", fmt.Errorf("encode events: %w", err)
	}
	if sub.Headers == nil {
		sub.Headers = map[string]string{}
	}
	headers, err = marshalJSON(sub.Headers)
	if err != nil {
		return "", "", fmt.Errorf("encode headers: %w", err)
	}
	return events, headers, nil
}

func scanSubscription(row rowScanner) (*models.Subscription, error) {
	var sub models.Subscription
	var events, headers string
	if err := row.Scan(&sub.ID, &sub.PersonaID, &sub.Name, &sub.URL, &sub.Secret, &sub.Enabled, &events, &headers,
		&sub.MaxRetries, &sub.TimeoutMs, &sub.PayloadFormat, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(events), &sub.Events); err != nil {
		return nil, fmt.Errorf("decode events for webhook %s: %w", sub.ID, err)
	}
	if headers != "" {
		if err := json.Unmarshal([]byte(headers), &sub.Headers); err != nil {
			return nil, fmt.Errorf("decode headers for webhook %s: %w", sub.ID, err)
		}
	}
	return &sub, nil
}

// GetSubscription retrieves a subscription by ID.
func (s *Store) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM webhooks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("webhook %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query webhook: %w", err)
	}
	return sub, nil
}

// ListSubscriptions returns the subscriptions of a persona, or all of them
// when personaID is empty.
func (s *Store) ListSubscriptions(ctx context.Context, personaID string) ([]models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM webhooks`
	var args []any
	if personaID != "" {
		query += ` WHERE persona_id = ?`
		args = append(args, personaID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query webhooks: %w", err)
	}
	defer rows.Close()

	var subs []models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// --- Delivery Operations ---

const deliveryColumns = `id, subscription_id, event, payload, status, attempts, status_code, response_body, last_error,
	next_attempt_at, created_at, completed_at`

// CreateDelivery persists a new pending delivery. An empty ID is generated.
func (s *Store) CreateDelivery(ctx context.Context, d models.Delivery) (*models.Delivery, error) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Status == "" {
		d.Status = models.DeliveryPending
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_deliveries (`+deliveryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.SubscriptionID, d.Event, d.Payload, string(d.Status), d.Attempts, d.StatusCode, d.ResponseBody, d.LastError,
		nullTime(d.NextAttemptAt), d.CreatedAt.UTC(), nullTime(d.CompletedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert delivery: %w", err)
	}
	return &d, nil
}

func scanDelivery(row rowScanner) (*models.Delivery, error) {
	var d models.Delivery
	var status string
	var nextAttempt, completed sql.NullTime
	if err := row.Scan(&d.ID, &d.SubscriptionID, &d.Event, &d.Payload, &status, &d.Attempts, &d.StatusCode, &d.ResponseBody,
		&d.LastError, &nextAttempt, &d.CreatedAt, &completed); err != nil {
		return nil, err
	}
	st, err := models.ParseDeliveryStatus(status)
	if err != nil {
		return nil, fmt.Errorf("delivery %s: %w", d.ID, err)
	}
	d.Status = st
	d.NextAttemptAt = timePtr(nextAttempt)
	d.CompletedAt = timePtr(completed)
	return &d, nil
}

// GetDelivery retrieves a delivery by ID.
func (s *Store) GetDelivery(ctx context.Context, id string) (*models.Delivery, error) {
	d, err := scanDelivery(s.db.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query delivery: %w", err)
	}
	return d, nil
}

// ListDeliveries returns the most recent deliveries of a subscription.
func (s *Store) ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]models.Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryDeliveries(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE subscription_id = ? ORDER BY created_at DESC, id LIMIT ?`,
		subscriptionID, limit)
}

// ListRecoverableDeliveries returns every delivery still owed an attempt.
func (s *Store) ListRecoverableDeliveries(ctx context.Context) ([]models.Delivery, error) {
	return s.queryDeliveries(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE status IN (?, ?) ORDER BY created_at, id`,
		string(models.DeliveryPending), string(models.DeliveryRetrying))
}

func (s *Store) queryDeliveries(ctx context.Context, query string, args ...any) ([]models.Delivery, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var out []models.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// UpdateDelivery records the result of an attempt. The row is only written
// while it is non-terminal and still has expectedAttempts attempts, so two
// workers can never both record the same attempt.
func (s *Store) UpdateDelivery(ctx context.Context, d models.Delivery, expectedAttempts int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_deliveries SET status = ?, attempts = ?, status_code = ?, response_body = ?, last_error = ?,
			next_attempt_at = ?, completed_at = ?
		 WHERE id = ? AND attempts = ? AND status IN (?, ?)`,
		string(d.Status), d.Attempts, d.StatusCode, d.ResponseBody, d.LastError,
		nullTime(d.NextAttemptAt), nullTime(d.CompletedAt),
		d.ID, expectedAttempts, string(models.DeliveryPending), string(models.DeliveryRetrying),
	)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delivery %s at attempt %d: %w", d.ID, expectedAttempts, ErrVersionConflict)
	}
	return nil
}
