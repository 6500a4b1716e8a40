package domain

import (
	"errors"
	"fmt"
)

var (
	ErrMissingPublishDate = errors.New("raw post missing publish date")
	ErrMissingLink        = errors.New("raw post missing link")
	ErrDuplicateLink      = errors.New("duplicate link for source")
)

// ValidateRawPost checks the §3 invariants that do not depend on batch-wide
// state (publish_date and link non-empty). Per-source uniqueness is the
// caller's responsibility (see pipeline's validateAndDedup), since it spans
// the whole batch.
func ValidateRawPost(p RawPost) error {
	if p.PublishDate == "" {
		return NewValidationError("publish_date", p.PublishDate, ErrMissingPublishDate)
	}
	if p.Link == "" {
		return NewValidationError("link", p.Link, ErrMissingLink)
	}
	return nil
}

// ValidateOrganizedPost checks invariant 1 of §8: domain and quality_score
// are in range once coerced.
func ValidateOrganizedPost(p OrganizedPost) error {
	if !domains[p.Domain] {
		return NewValidationError("domain", string(p.Domain), errors.New("domain outside closed set D"))
	}
	if p.QualityScore < 1 || p.QualityScore > 5 {
		return NewValidationError("quality_score", fmt.Sprintf("%d", p.QualityScore), errors.New("quality_score outside [1,5]"))
	}
	return nil
}
