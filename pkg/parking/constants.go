package parking

import "time"

const (
	operationOpenAccount = "open_account"
	operationListSpot    = "list_spot"
	operationRepriceSpot = "reprice_spot"
	operationReserve     = "reserve"
	operationCancel      = "cancel"
	operationPurge       = "purge"
	operationDeleteSpot  = "delete_spot"

	operationStatusOK       = "ok"
	operationStatusRejected = "rejected"
	operationStatusError    = "error"

	subjectAccount = "account"
	subjectBooking = "booking"
	subjectOwner   = "owner"
	subjectSpot    = "spot"

	codeNotFound      = "not_found"
	codeForbidden     = "forbidden"
	codeSelf          = "self"
	codeUnavailable   = "unavailable"
	codeDuplicate     = "duplicate"
	codeInsufficient  = "insufficient"
	codeCanceled      = "canceled"
	codeCompleted     = "completed"
	codeRetry         = "retry_exhausted"
	codeChanged       = "changed"
	codeInterrupted   = "interrupted"
	codeStillReferred = "still_referenced"

	lockKeyPrefixSpot = "spot:"
	lockKeyPrefixUser = "user:"

	defaultMaxAttempts   = 3
	defaultRetryInterval = 10 * time.Millisecond
	defaultPurgeBatch    = 100
	defaultPurgeRounds   = 3
)

// Domain event types published after a successful commit.
const (
	EventBookingReserved = "booking.reserved"
	EventBookingCanceled = "booking.canceled"
	EventAccountPurged   = "account.purged"
	EventSpotDeleted     = "spot.deleted"
)
