package ai

import "errors"

// Generation failures are classified so the caller can show a useful message
// instead of a generic one. Match with errors.Is.
var (
	// ErrSafetyBlocked: the response was withheld by the provider's safety
	// filters. Rephrasing usually helps.
	ErrSafetyBlocked = errors.New("blocked by safety settings")

	// ErrThrottled covers rate limits and invalid-request rejections (HTTP
	// 400/429 from the generation API).
	ErrThrottled = errors.New("rate limited or invalid request")

	// ErrGenerationFailed is everything else.
	ErrGenerationFailed = errors.New("generation failed")
)
