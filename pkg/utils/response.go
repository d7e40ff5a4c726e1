package utils

// ResponseData is the JSON envelope used by every REST handler.
type ResponseData struct {
	Status    int    `json:"status"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
	Results   any    `json:"results,omitempty"`
}

// PanicIfNeeded panics with the given error so the Recovery middleware can
// translate it into an HTTP response. Typed errors from pkg/error keep their
// status code; anything else becomes a 500.
func PanicIfNeeded(err error, message ...string) {
	if err != nil {
		if len(message) > 0 {
			panic(message[0])
		}
		panic(err)
	}
}
