package subsync

import "errors"

var (
	// ErrUserNotFound is returned when no user has the requested token identifier.
	ErrUserNotFound = errors.New("user not found")

	// ErrUserExists is returned by CreateUser and RenameUser when the token
	// identifier is already taken.
	ErrUserExists = errors.New("user already exists")

	// ErrSubscriptionNotFound is returned when no subscription has the
	// requested provider subscription ID.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrSubscriptionExists is returned by InsertSubscription on a duplicate
	// provider subscription ID.
	ErrSubscriptionExists = errors.New("subscription already exists")

	// ErrEventNotFound is returned when an audit log entry does not exist.
	ErrEventNotFound = errors.New("webhook event not found")

	// ErrInvalidPayload is returned when a webhook body cannot be mapped onto
	// a subscription change.
	ErrInvalidPayload = errors.New("invalid webhook payload")

	// ErrUnknownStatus is returned for provider statuses with no local equivalent.
	ErrUnknownStatus = errors.New("unknown subscription status")

	// ErrEmptySubject is returned when an identity has no subject.
	ErrEmptySubject = errors.New("empty subject")

	// ErrInvalidFormat is returned for identifier formats without exactly one %s verb.
	ErrInvalidFormat = errors.New("invalid identifier format")

	// ErrStorageUnavailable is returned when a storage backend cannot be reached.
	ErrStorageUnavailable = errors.New("storage unavailable")
)
