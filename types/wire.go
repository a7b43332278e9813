package types

import "encoding/json"

// WebsocketMessage is the envelope actually sent over the websocket
// connection, in both directions: an event name plus a raw payload.
type WebsocketMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// MarshalWire serializes the event into its websocket envelope.
func (e *Event) MarshalWire() ([]byte, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WebsocketMessage{Event: e.Name, Data: data})
}
