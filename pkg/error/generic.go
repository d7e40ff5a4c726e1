package error

// GenericError is implemented by every typed error in this package so the
// HTTP recovery middleware can map panics to a status code and error code.
type GenericError interface {
	error
	ErrCode() string
	StatusCode() int
}
