package inbox

import (
	"strings"

	"supportdesk/server/chat/domain"
)

type StatusFilter string

const (
	FilterAll     StatusFilter = "all"
	FilterWaiting StatusFilter = "waiting"
	FilterActive  StatusFilter = "active"
	FilterEnded   StatusFilter = "ended"
)

func ParseStatusFilter(raw string) StatusFilter {
	switch StatusFilter(strings.ToLower(strings.TrimSpace(raw))) {
	case FilterWaiting:
		return FilterWaiting
	case FilterActive:
		return FilterActive
	case FilterEnded:
		return FilterEnded
	}
	return FilterAll
}

// Filter projects sessions by status and by a case-insensitive substring over
// the visitor's name, email and last message. The input is never modified.
func Filter(sessions []domain.ChatSession, status StatusFilter, search string) []domain.ChatSession {
	needle := strings.ToLower(strings.TrimSpace(search))
	out := make([]domain.ChatSession, 0, len(sessions))
	for _, s := range sessions {
		if status != "" && status != FilterAll && string(s.Status) != string(status) {
			continue
		}
		if needle != "" && !matches(s, needle) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func matches(s domain.ChatSession, needle string) bool {
	fields := []string{s.UserInfo.FirstName, s.UserInfo.LastName, s.UserInfo.Email}
	if s.LastMessage != nil {
		fields = append(fields, s.LastMessage.Message)
	}
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), needle) {
			return true
		}
	}
	return false
}
