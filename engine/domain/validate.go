package domain

import "encoding/base64"

// ValidateJobPayload checks that a queued payload is processable. The
// worker drops (and logs) payloads that fail here instead of crashing on
// them mid-pipeline.
func ValidateJobPayload(p JobPayload) error {
	if p.JobID == "" {
		return NewValidationError("job_id", p.JobID, ErrMissingJobID)
	}
	if !p.Kind.Valid() {
		return NewValidationError("kind", string(p.Kind), ErrInvalidKind)
	}
	if p.ImageB64 == "" {
		return NewValidationError("image_b64", "", ErrMissingImage)
	}
	if _, err := base64.StdEncoding.DecodeString(p.ImageB64); err != nil {
		return NewValidationError("image_b64", "<binary>", ErrImageEncoding)
	}
	return nil
}
