// Package queue is the durable pending mutation queue. Rows live in the local
// cache database so an optimistic write and its queue entry commit together.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kimhsiao/homestock/backend/internal/db"
	apperrors "github.com/kimhsiao/homestock/backend/internal/errors"
	"github.com/kimhsiao/homestock/backend/internal/logging"
	"github.com/kimhsiao/homestock/backend/internal/models"
	"github.com/kimhsiao/homestock/backend/internal/uuid"
)

// ErrQueueFull is returned by Enqueue when the queue holds maxSize entries.
var ErrQueueFull = apperrors.New(apperrors.ErrQueueFull, "pending mutation queue is full")

const columns = "id, seq, kind, entity_type, entity_id, method, endpoint, payload, has_pre_image, pre_image, created_at, retry_count, last_error"

// Queue stores pending mutations in replay order.
type Queue struct {
	cache   *db.Cache
	maxSize int
	now     func() time.Time
	log     *logging.Logger
}

// NewQueue creates a Queue over cache. A maxSize of zero means unbounded.
func NewQueue(cache *db.Cache, maxSize int) *Queue {
	return &Queue{
		cache:   cache,
		maxSize: maxSize,
		now:     time.Now,
		log:     logging.Get().With(map[string]interface{}{"component": "queue"}),
	}
}

// Enqueue appends m inside tx. ID, Seq and CreatedAt are assigned here;
// CreatedAt never goes backwards so (created_at, seq) stays insertion order.
func (q *Queue) Enqueue(tx *db.Tx, m *models.PendingMutation) error {
	if err := validate(m); err != nil {
		return err
	}

	var count, maxSeq, maxCreated int64
	err := tx.QueryRow("SELECT COUNT(*), COALESCE(MAX(seq), 0), COALESCE(MAX(created_at), 0) FROM pending_mutations").
		Scan(&count, &maxSeq, &maxCreated)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to read queue state", err)
	}
	if q.maxSize > 0 && count >= int64(q.maxSize) {
		return ErrQueueFull
	}

	if m.ID == "" {
		m.ID = uuid.NewID()
	}
	m.Seq = maxSeq + 1
	m.CreatedAt = q.now().UnixNano()
	if m.CreatedAt < maxCreated {
		m.CreatedAt = maxCreated
	}
	m.RetryCount = 0
	m.LastError = ""

	_, err = tx.Exec(`INSERT INTO pending_mutations (`+columns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Seq, string(m.Kind), m.EntityType, m.EntityID, m.Method, m.Endpoint,
		m.Payload, m.HasPreImage, m.PreImage, m.CreatedAt, m.RetryCount, m.LastError)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to enqueue mutation", err)
	}

	q.log.Debug("mutation enqueued", map[string]interface{}{
		"mutation_id": string(m.ID),
		"kind":        string(m.Kind),
		"entity_type": m.EntityType.String(),
		"entity_id":   string(m.EntityID),
		"seq":         m.Seq,
	})
	return nil
}

func validate(m *models.PendingMutation) error {
	if !m.Kind.Valid() {
		return apperrors.Newf(apperrors.ErrInvalid, "unknown mutation kind %q", m.Kind)
	}
	if !m.EntityType.Valid() {
		return apperrors.New(apperrors.ErrInvalid, "mutation has no entity type")
	}
	if err := uuid.ValidateID(m.EntityID); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "mutation entity id", err)
	}
	switch m.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return apperrors.Newf(apperrors.ErrInvalid, "unsupported replay method %q", m.Method)
	}
	if m.Endpoint == "" || m.Endpoint[0] != '/' {
		return apperrors.Newf(apperrors.ErrInvalid, "replay endpoint %q must be an absolute path", m.Endpoint)
	}
	return nil
}

// Pending returns every queued mutation in replay order.
func (q *Queue) Pending(ctx context.Context) ([]*models.PendingMutation, error) {
	rows, err := q.cache.DB().QueryContext(ctx, "SELECT "+columns+" FROM pending_mutations ORDER BY created_at, seq")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list pending mutations", err)
	}
	defer rows.Close()

	var out []*models.PendingMutation
	for rows.Next() {
		m, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Head returns the next mutation to replay, or nil when the queue is empty.
func (q *Queue) Head(ctx context.Context) (*models.PendingMutation, error) {
	row := q.cache.DB().QueryRowContext(ctx, "SELECT "+columns+" FROM pending_mutations ORDER BY created_at, seq LIMIT 1")
	m, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// Get returns one queued mutation.
func (q *Queue) Get(ctx context.Context, id models.UUID) (*models.PendingMutation, error) {
	row := q.cache.DB().QueryRowContext(ctx, "SELECT "+columns+" FROM pending_mutations WHERE id = ?", id)
	m, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "pending mutation %s not found", id)
	}
	return m, err
}

// Len returns the number of queued mutations.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.cache.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM pending_mutations").Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to count pending mutations", err)
	}
	return n, nil
}

// Remove deletes a mutation inside tx.
func (q *Queue) Remove(tx *db.Tx, id models.UUID) error {
	res, err := tx.Exec("DELETE FROM pending_mutations WHERE id = ?", id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to remove pending mutation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Newf(apperrors.ErrNotFound, "pending mutation %s not found", id)
	}
	return nil
}

// MarkFailed records a failed replay attempt inside tx.
func (q *Queue) MarkFailed(tx *db.Tx, id models.UUID, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res, err := tx.Exec("UPDATE pending_mutations SET retry_count = retry_count + 1, last_error = ? WHERE id = ?", msg, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to mark pending mutation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Newf(apperrors.ErrNotFound, "pending mutation %s not found", id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scan(r scanner) (*models.PendingMutation, error) {
	var (
		m    models.PendingMutation
		kind string
	)
	err := r.Scan(&m.ID, &m.Seq, &kind, &m.EntityType, &m.EntityID, &m.Method, &m.Endpoint,
		&m.Payload, &m.HasPreImage, &m.PreImage, &m.CreatedAt, &m.RetryCount, &m.LastError)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan pending mutation: %w", err)
	}
	m.Kind = models.MutationKind(kind)
	return &m, nil
}
