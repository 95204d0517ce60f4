package httpserver

const (
	ErrInvalidJSON        = "invalid json"
	ErrMissingID          = "missing id"
	ErrDependency         = "dependency error"
	ErrNotFound           = "not found"
	ErrInvalidSignature   = "invalid signature"
	ErrIdempotencyKeyBody = "idempotency key in header and body disagree"
)
