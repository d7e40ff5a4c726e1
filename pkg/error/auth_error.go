package error

import "net/http"

// UnauthorizedError covers failed webhook signature verification.
type UnauthorizedError string

func (err UnauthorizedError) Error() string {
	return string(err)
}

func (err UnauthorizedError) ErrCode() string {
	return "UNAUTHORIZED_ERROR"
}

func (err UnauthorizedError) StatusCode() int {
	return http.StatusUnauthorized
}

// ForbiddenError covers bad admin tokens and cross-tenant access.
type ForbiddenError string

func (err ForbiddenError) Error() string {
	return string(err)
}

func (err ForbiddenError) ErrCode() string {
	return "FORBIDDEN_ERROR"
}

func (err ForbiddenError) StatusCode() int {
	return http.StatusForbidden
}
