package mesh

import (
	"encoding/json"
	"time"

	"github.com/dkeye/Mesh/internal/domain"
)

// Message is what travels over a link: the application payload stamped
// with its sender and send time (unix milliseconds).
type Message struct {
	From    domain.PeerID   `json:"from"`
	SentAt  int64           `json:"sentAt"`
	Payload json.RawMessage `json:"payload"`
}

func (m Message) Time() time.Time {
	return time.UnixMilli(m.SentAt)
}

func stamp(from domain.PeerID, payload json.RawMessage, now time.Time) ([]byte, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return json.Marshal(Message{From: from, SentAt: now.UnixMilli(), Payload: payload})
}

func DecodeMessage(data []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	return m, err
}
