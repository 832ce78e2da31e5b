package httpresp

const (
	ErrInvalidCredentials = "invalid credentials"
	ErrMissingBearerToken = "bearer token is required"
	ErrInvalidToken       = "invalid token"
	ErrForbidden          = "forbidden"
	ErrInsufficientRole   = "insufficient permissions"
	ErrSessionNotFound    = "chat session not found"
	ErrSessionNotWaiting  = "chat session is not waiting for an agent"
	ErrSessionEnded       = "chat session has ended"
	ErrAdminMismatch      = "adminId does not match the authenticated admin"
)

// Envelope is the {success, ...} shape every chat endpoint answers with.
type Envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func NewData(data any) Envelope {
	return Envelope{Success: true, Data: data}
}

func NewSuccess() Envelope {
	return Envelope{Success: true}
}

func NewFailure(message string) Envelope {
	return Envelope{Success: false, Message: message}
}
