package dispatcher

import (
	"errors"
	"net/http"

	apperrors "github.com/kimhsiao/homestock/backend/internal/errors"
	"github.com/kimhsiao/homestock/backend/internal/models"
	"github.com/kimhsiao/homestock/backend/internal/sync/api"
)

// Outcome is the classification of one replay attempt.
type Outcome string

const (
	// OutcomeSuccess: the server applied the mutation.
	OutcomeSuccess Outcome = "success"
	// OutcomeAlreadyApplied: a delete found nothing to delete.
	OutcomeAlreadyApplied Outcome = "already_applied"
	// OutcomeLimitReached: the plan policy refused the mutation.
	OutcomeLimitReached Outcome = "limit_reached"
	// OutcomeRejected: the server refused the mutation as invalid.
	OutcomeRejected Outcome = "rejected"
	// OutcomeTransient: the attempt may succeed later.
	OutcomeTransient Outcome = "transient"
)

// Permanent reports whether the mutation is dropped without success.
func (o Outcome) Permanent() bool {
	return o == OutcomeLimitReached || o == OutcomeRejected
}

// Done reports whether the mutation leaves the queue.
func (o Outcome) Done() bool {
	return o != OutcomeTransient
}

// Classify maps a replay result onto an Outcome. Anything that is not an HTTP
// response (network errors, timeouts, cancellation) is transient.
func Classify(m *models.PendingMutation, err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}

	var httpErr *api.HTTPError
	if !errors.As(err, &httpErr) {
		return OutcomeTransient
	}

	switch status := httpErr.Status; {
	case status == http.StatusNotFound && m.Method == http.MethodDelete:
		return OutcomeAlreadyApplied
	case status == http.StatusForbidden && httpErr.Code == string(apperrors.ErrPlanLimitReached):
		return OutcomeLimitReached
	case status == http.StatusUnauthorized,
		status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= 500:
		return OutcomeTransient
	case status >= 400:
		return OutcomeRejected
	default:
		return OutcomeTransient
	}
}
