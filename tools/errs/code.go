package errs

// 状态码直接复用 HTTP 语义
const (
	ArgsError           = 400
	UnauthorizedError   = 401
	ForbiddenError      = 403
	NotFoundError       = 404
	ConflictError       = 409
	UnprocessableError  = 422
	ServerInternalError = 500
	NotImplementedError = 501
	BadGatewayError     = 502
	UnavailableError    = 503
	GatewayTimeoutError = 504
)

var (
	ErrArgs           = NewCodeError(ArgsError, "invalid arguments")
	ErrUnauthorized   = NewCodeError(UnauthorizedError, "not logged in")
	ErrForbidden      = NewCodeError(ForbiddenError, "token does not match user")
	ErrNotFound       = NewCodeError(NotFoundError, "not found")
	ErrLoginRejected  = NewCodeError(ConflictError, "login rejected by backend")
	ErrRejected       = NewCodeError(UnprocessableError, "rejected by backend")
	ErrInternal       = NewCodeError(ServerInternalError, "internal error")
	ErrNotImplemented = NewCodeError(NotImplementedError, "not supported by backend binding")
	ErrTransport      = NewCodeError(BadGatewayError, "backend connection error")
	ErrMalformed      = NewCodeError(BadGatewayError, "malformed backend record")
	ErrUnavailable    = NewCodeError(UnavailableError, "backend not connected")
	ErrTimeout        = NewCodeError(GatewayTimeoutError, "timeout waiting for backend")
)
