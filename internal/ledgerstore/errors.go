package ledgerstore

import "errors"

var (
	// ErrNotFound is returned when no account exists for the user.
	ErrNotFound = errors.New("account not found")

	// ErrAccountExists is returned by CreateAccount for duplicate users.
	ErrAccountExists = errors.New("account already exists")

	// ErrCapExceeded is returned when an increment would push used past
	// monthlyAllotment+rollover. The store applies nothing in that case.
	ErrCapExceeded = errors.New("usage cap exceeded")
)
