package domain

import "errors"

// Operation failures. Every failure aborts the whole operation; nothing is
// written on any of these paths.
var (
	ErrAlreadyInitialized = errors.New("already initialized")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidNonce       = errors.New("invalid nonce")
	ErrDuplicateID        = errors.New("duplicate office id")
	ErrNotFound           = errors.New("not found")
	ErrBidRejected        = errors.New("bid rejected")
	ErrTransferFailed     = errors.New("transfer failed")
	ErrNotExpired         = errors.New("lease not expired")
	ErrLeaseLapsed        = errors.New("lease lapsed")
)
