package error

import "net/http"

type PayloadTooLargeError string

func (err PayloadTooLargeError) Error() string {
	return string(err)
}

func (err PayloadTooLargeError) ErrCode() string {
	return "PAYLOAD_TOO_LARGE"
}

func (err PayloadTooLargeError) StatusCode() int {
	return http.StatusRequestEntityTooLarge
}

type UnsupportedMediaError string

func (err UnsupportedMediaError) Error() string {
	return string(err)
}

func (err UnsupportedMediaError) ErrCode() string {
	return "UNSUPPORTED_MEDIA_TYPE"
}

func (err UnsupportedMediaError) StatusCode() int {
	return http.StatusUnsupportedMediaType
}
