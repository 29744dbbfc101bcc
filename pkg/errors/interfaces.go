package errors

// Classifier is implemented by every error in the coordinator taxonomy.
// It lets callers branch on the error category without type switches and
// drives retry decisions in the step executor.
type Classifier interface {
	error

	// Kind returns the taxonomy category for this error.
	Kind() Kind

	// IsRetryable reports whether the failed operation may be retried.
	IsRetryable() bool
}

// KindOf returns the taxonomy kind of err, walking the wrap chain. Errors
// outside the taxonomy classify as KindInternal.
func KindOf(err error) Kind {
	var c Classifier
	if As(err, &c) {
		return c.Kind()
	}
	return KindInternal
}

// IsTransient reports whether err (or any error it wraps) is retryable.
func IsTransient(err error) bool {
	var c Classifier
	if As(err, &c) {
		return c.IsRetryable()
	}
	return false
}
