// Package hub fans engine events out to websocket clients using a
// channel-based broadcast loop.
package hub

import (
	json "github.com/json-iterator/go"

	"github.com/teslashibe/go-attend/pkg/event"
)

// Message is one encoded event queued for clients.
type Message struct {
	Kind event.Kind
	Data []byte
}

// Encode builds the message for e.
func Encode(e event.Event) (Message, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: e.Kind, Data: data}, nil
}
