package types

import "time"

// Event is the rendered form of a state change handed to observers. Attribute
// values are strings so events can be indexed without knowing their schema.
type Event struct {
	ID         string            `json:"id,omitempty"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	EmittedAt  time.Time         `json:"emittedAt,omitempty"`
}
