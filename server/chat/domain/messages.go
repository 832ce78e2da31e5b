package domain

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const tempIDPrefix = "temp-"

func NewTempID() string {
	return tempIDPrefix + uuid.NewString()
}

func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// NewOptimisticMessage builds the local entry shown while a send is in flight.
func NewOptimisticMessage(sessionID, senderID, text string, sender SenderType, now time.Time) ChatMessage {
	return ChatMessage{
		ID:          NewTempID(),
		SessionID:   sessionID,
		Message:     text,
		MessageType: MessageTypeText,
		SenderType:  sender,
		SenderID:    senderID,
		Timestamp:   now,
		Status:      MessageSending,
	}
}

// MergeMessages folds incoming records into canonical and returns a new slice
// ordered by timestamp. canonical is not modified.
//
// A server record whose _id is already present replaces that entry. A server
// record that answers an in-flight optimistic entry (matched by
// clientMessageId, or by sender and text when the server does not echo one)
// takes the optimistic entry's place. Merging the same record twice is a no-op.
func MergeMessages(canonical []ChatMessage, incoming ...ChatMessage) []ChatMessage {
	out := make([]ChatMessage, 0, len(canonical)+len(incoming))
	out = append(out, canonical...)
	for _, msg := range incoming {
		out = mergeMessage(out, msg)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func mergeMessage(list []ChatMessage, msg ChatMessage) []ChatMessage {
	if IsTempID(msg.ID) {
		if msg.Status == "" {
			msg.Status = MessageSending
		}
		if indexOfMessage(list, msg.ID) >= 0 {
			return list
		}
		return append(list, msg)
	}

	if msg.Status == "" || msg.Status == MessageSending {
		msg.Status = MessageSent
	}
	pending := pendingIndex(list, msg)
	if idx := indexOfMessage(list, msg.ID); idx >= 0 {
		list[idx] = msg
		if pending >= 0 {
			list = append(list[:pending], list[pending+1:]...)
		}
		return list
	}
	if pending >= 0 {
		list[pending] = msg
		return list
	}
	return append(list, msg)
}

func indexOfMessage(list []ChatMessage, id string) int {
	if id == "" {
		return -1
	}
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

func pendingIndex(list []ChatMessage, confirmed ChatMessage) int {
	for i := range list {
		candidate := list[i]
		if !IsTempID(candidate.ID) || candidate.Status != MessageSending {
			continue
		}
		if confirmed.ClientMessageID != "" {
			if candidate.ID == confirmed.ClientMessageID {
				return i
			}
			continue
		}
		if candidate.SenderType == confirmed.SenderType && candidate.Message == confirmed.Message &&
			(candidate.SessionID == "" || confirmed.SessionID == "" || candidate.SessionID == confirmed.SessionID) {
			return i
		}
	}
	return -1
}

func (m ChatMessage) AsLastMessage() *LastMessage {
	return &LastMessage{Message: m.Message, SenderType: m.SenderType, Timestamp: m.Timestamp}
}
