package error

import "net/http"

// ConflictError is reserved for true uniqueness collisions that are not
// covered by an idempotency key.
type ConflictError string

func (err ConflictError) Error() string {
	return string(err)
}

func (err ConflictError) ErrCode() string {
	return "CONFLICT_ERROR"
}

func (err ConflictError) StatusCode() int {
	return http.StatusConflict
}
