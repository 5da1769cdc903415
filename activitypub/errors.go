package activitypub

import (
	"errors"
	"net/http"

	"github.com/deemkeen/linkfed/domain"
)

var (
	// ErrDeserialization means the wire payload could not be decoded into a known activity.
	ErrDeserialization  = errors.New("malformed activity")
	ErrSignatureInvalid = errors.New("invalid http signature")
	// ErrDomainMismatch is returned when two ids that must share a host do not.
	ErrDomainMismatch  = errors.New("domain mismatch")
	ErrURLVerification = errors.New("url verification failed")
	// ErrRequestLimit is returned once a request chain used up its fetch budget.
	ErrRequestLimit       = errors.New("request limit reached")
	ErrObjectDeleted      = errors.New("object deleted")
	ErrInstanceBlocked    = errors.New("instance blocked")
	ErrFederationDisabled = errors.New("federation disabled")
	ErrFetchFailed        = errors.New("fetch failed")
	ErrDeliveryFailed     = errors.New("delivery failed")
	// ErrApplyFailed marks a local mutation that failed after the activity was verified.
	ErrApplyFailed = errors.New("apply failed")
	// ErrVerification is the generic rule failure: not a moderator, banned, wrong community.
	ErrVerification = errors.New("verification failed")
	ErrNotFound     = domain.ErrNotFound
)

func isPolicyError(err error) bool {
	return errors.Is(err, ErrInstanceBlocked) || errors.Is(err, ErrFederationDisabled)
}

// isFederationError reports whether err is one of the expected rejection reasons,
// as opposed to a local failure such as a broken database.
func isFederationError(err error) bool {
	for _, target := range []error{
		ErrDeserialization, ErrSignatureInvalid, ErrDomainMismatch, ErrURLVerification,
		ErrRequestLimit, ErrObjectDeleted, ErrInstanceBlocked, ErrFederationDisabled,
		ErrFetchFailed, ErrVerification, ErrNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// inboundStatus maps a rejection to the status code returned to the sending server.
func inboundStatus(err error) int {
	switch {
	case isPolicyError(err):
		return http.StatusForbidden
	case errors.Is(err, ErrSignatureInvalid):
		return http.StatusUnauthorized
	case isFederationError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
