package domain

import "errors"

var (
	ErrMalformedPayload       = errors.New("malformed payload")
	ErrNotUserMessage         = errors.New("not a user message")
	ErrWhitelistRejected      = errors.New("sender not whitelisted")
	ErrExtractionUnavailable  = errors.New("extraction unavailable")
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
	ErrDeliveryFailed         = errors.New("delivery failed")
)
