package events

import (
	"encoding/json"
	"fmt"
)

// Kind tags a protocol event. The client→server and server→client
// vocabularies are disjoint except for deleteProject, which is echoed
// back out on fan-out.
type Kind string

// Client → server events.
const (
	Ping             Kind = "ping"
	Subscribe        Kind = "subscribe"
	SubscribeProject Kind = "subscribeProject"
	SetProject       Kind = "setProject"
	DeleteProject    Kind = "deleteProject"
	AddContribution  Kind = "addContribution"
	ValidateImage    Kind = "validateImage"
)

// Server → client events.
const (
	Pong            Kind = "pong"
	ProvideSocketID Kind = "provideSocketId"
	Heartbeat       Kind = "heartbeat"
	NewProject      Kind = "newProject"
	ProjectData     Kind = "projectData"
	ImageValidation Kind = "imageValidation"
	ImageAnalysis   Kind = "imageAnalysis"
	ProjectVision   Kind = "projectVision"
	CostEstimate    Kind = "costEstimate"
	Error           Kind = "error"
	// Subscribe doubles as the S2C snapshot event answering a C2S subscribe.
)

// KnownC2S reports whether k is a recognized inbound kind. Unknown kinds
// are logged and dropped by the dispatcher.
func KnownC2S(k Kind) bool {
	switch k {
	case Ping, Subscribe, SubscribeProject, SetProject, DeleteProject, AddContribution, ValidateImage:
		return true
	}
	return false
}

// Envelope is one protocol frame: {"event": kind, "data": payload}.
type Envelope struct {
	Event Kind            `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// New builds an envelope from a kind and payload value.
func New(kind Kind, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: kind}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Envelope{Event: kind, Data: data}, nil
}

// MustNew is New for payloads that cannot fail to marshal.
func MustNew(kind Kind, payload any) Envelope {
	env, err := New(kind, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode parses a frame in either accepted shape: the object form
// {"event": k, "data": p} or the two-element array form [k, p].
func Decode(frame []byte) (Envelope, error) {
	trimmed := firstNonSpace(frame)
	switch trimmed {
	case '{':
		var env Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			return Envelope{}, fmt.Errorf("malformed frame: %w", err)
		}
		if env.Event == "" {
			return Envelope{}, fmt.Errorf("frame missing event kind")
		}
		return env, nil
	case '[':
		var parts []json.RawMessage
		if err := json.Unmarshal(frame, &parts); err != nil {
			return Envelope{}, fmt.Errorf("malformed frame: %w", err)
		}
		if len(parts) != 2 {
			return Envelope{}, fmt.Errorf("array frame must have exactly 2 elements, got %d", len(parts))
		}
		var kind Kind
		if err := json.Unmarshal(parts[0], &kind); err != nil || kind == "" {
			return Envelope{}, fmt.Errorf("array frame has non-string event kind")
		}
		env := Envelope{Event: kind}
		// A null payload stands in for "no payload"; [k] alone is rejected.
		if string(parts[1]) != "null" {
			env.Data = parts[1]
		}
		return env, nil
	}
	return Envelope{}, fmt.Errorf("frame is neither object nor array")
}

// DecodeInto unmarshals the envelope payload into v.
func (e Envelope) DecodeInto(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s frame has no payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Event, err)
	}
	return nil
}

// Encode renders the object wire form.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func firstNonSpace(b []byte) byte {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return c
	}
	return 0
}
