package msgqueue

import (
	"sort"
	"strconv"
	"time"
)

// Message is the merged conversation view: server-confirmed rows plus
// local optimistic ones that are still in flight.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	MediaRef       string    `json:"mediaRef,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	Pending        bool      `json:"pending,omitempty"`
}

// ResolveMessageOrder merges server-confirmed messages with the local
// pending set for a conversation. Messages sort by creation time; ties
// inside the same one-second bucket break on message id so both sides
// agree on a stable order. Retried sends that reached the backend twice
// collapse onto the server copy via a sender+content+second fingerprint.
func (q *Queue) ResolveMessageOrder(conversationID string, serverMessages []Message) []Message {
	q.mu.Lock()
	var local []Message
	for _, tempID := range q.order[conversationID] {
		message, ok := q.messages[tempID]
		if !ok || message.Status == StatusSent {
			continue
		}
		local = append(local, Message{
			ID:             message.TempID,
			ConversationID: message.ConversationID,
			SenderID:       message.SenderID,
			Content:        message.Content,
			MediaRef:       message.MediaRef,
			CreatedAt:      message.CreatedAt,
			Pending:        true,
		})
	}
	q.mu.Unlock()

	seen := make(map[string]int, len(serverMessages)+len(local))
	merged := make([]Message, 0, len(serverMessages)+len(local))
	for _, message := range serverMessages {
		print := fingerprint(message)
		if i, dup := seen[print]; dup {
			// Double delivery from a retried send; keep one copy.
			if merged[i].Pending {
				merged[i] = message
			}
			continue
		}
		seen[print] = len(merged)
		merged = append(merged, message)
	}
	for _, message := range local {
		print := fingerprint(message)
		if _, dup := seen[print]; dup {
			// The server already confirmed this send.
			continue
		}
		seen[print] = len(merged)
		merged = append(merged, message)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		ab, bb := a.CreatedAt.Unix(), b.CreatedAt.Unix()
		if ab != bb {
			return ab < bb
		}
		return a.ID < b.ID
	})
	return merged
}

func fingerprint(message Message) string {
	return message.SenderID + "\x00" + message.Content + "\x00" +
		strconv.FormatInt(message.CreatedAt.Unix(), 10)
}
