package diagnostics

var (
	ErrUnauthorized = newError("Unauthorized")
	ErrNotFound     = newError("Resource not found")
)

// HTTPError is the JSON body of a failed API request.
type HTTPError struct {
	Message string `json:"message"`
}

func (e *HTTPError) Error() string {
	return e.Message
}

func newError(msg string) *HTTPError {
	return &HTTPError{Message: msg}
}
