package error

import "net/http"

// UpstreamError is returned when a synchronous backend (LLM, embedder,
// provider) is unavailable and no retry path exists for the caller.
type UpstreamError string

func (err UpstreamError) Error() string {
	return string(err)
}

func (err UpstreamError) ErrCode() string {
	return "UPSTREAM_UNAVAILABLE"
}

func (err UpstreamError) StatusCode() int {
	return http.StatusServiceUnavailable
}

type BadRequestError string

func (err BadRequestError) Error() string {
	return string(err)
}

func (err BadRequestError) ErrCode() string {
	return "BAD_REQUEST"
}

func (err BadRequestError) StatusCode() int {
	return http.StatusBadRequest
}
