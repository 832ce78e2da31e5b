package api

import (
	"supportdesk/server/chat/domain"
	"supportdesk/server/common/transport/httpresp"
)

type Envelope = httpresp.Envelope

type HealthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

// StartChatResponse carries a token only when the caller started as a guest.
type StartChatResponse struct {
	Success bool               `json:"success"`
	Session domain.ChatSession `json:"session"`
	Token   string             `json:"token,omitempty"`
}

func NewData(data any) Envelope {
	return httpresp.NewData(data)
}

func NewSuccess() Envelope {
	return httpresp.NewSuccess()
}

func NewFailure(message string) Envelope {
	return httpresp.NewFailure(message)
}

func NewHealthResponse(status string, clients int) HealthResponse {
	return HealthResponse{Status: status, Clients: clients}
}

func NewGeneralSession(detail domain.SessionDetail) domain.GeneralSession {
	return domain.GeneralSession{Success: true, Session: detail.Session, Messages: detail.Messages}
}
