package logging

import "errors"

// TransientError marks a storage failure that is expected to resolve on
// retry (timeouts, throttling, network errors).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a storage failure that retrying will not resolve
// (bad credentials, missing bucket, malformed target).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// SerializationError marks a batch whose content could not be encoded.
// It is terminal for the batch, like a permanent storage failure.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string { return "serialize: " + e.Err.Error() }
func (e *SerializationError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return true
	}
	var se *SerializationError
	return errors.As(err, &se)
}
