// Package core holds the domain model shared across the runtime: callers,
// addresses, events, machine snapshots, the machine engine contract, and
// the error kinds the HTTP layer maps onto status codes.
package core

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// CallerType identifies the kind of entity an event originates from.
type CallerType string

const (
	CallerClient  CallerType = "client"
	CallerService CallerType = "service"
	CallerSystem  CallerType = "system"
)

// AnonymousID is the literal caller id for unidentified clients.
const AnonymousID = "anonymous"

// Caller is the subject of every event. System callers are synthesized by
// the host and are never accepted from the wire.
type Caller struct {
	Type CallerType `json:"type"`
	ID   string     `json:"id"`
}

// String renders the caller in its serialized "<type>-<id>" form.
func (c Caller) String() string {
	return string(c.Type) + "-" + c.ID
}

// ParseCaller parses the serialized "<type>-<id>" form. The id must be a
// UUID, or the literal "anonymous" for a client. System callers never
// round-trip through this form.
func ParseCaller(s string) (Caller, error) {
	idx := strings.Index(s, "-")
	if idx <= 0 || idx == len(s)-1 {
		return Caller{}, fmt.Errorf("malformed caller %q", s)
	}
	typ := CallerType(s[:idx])
	id := s[idx+1:]

	switch typ {
	case CallerClient:
		if id != AnonymousID {
			if _, err := uuid.Parse(id); err != nil {
				return Caller{}, fmt.Errorf("caller id %q is not a uuid: %w", id, err)
			}
		}
	case CallerService:
		if _, err := uuid.Parse(id); err != nil {
			return Caller{}, fmt.Errorf("caller id %q is not a uuid: %w", id, err)
		}
	default:
		return Caller{}, fmt.Errorf("unknown caller type %q", typ)
	}

	return Caller{Type: typ, ID: id}, nil
}

// Address identifies an actor across the fleet. The host for an address is
// a singleton per process; the registry enforces this.
type Address struct {
	Type string `json:"actorType"`
	ID   string `json:"actorId"`
}

func (a Address) String() string {
	return a.Type + "/" + a.ID
}

// RequestInfo captures transport-level details of the request that carried
// an event.
type RequestInfo struct {
	RemoteAddr string `json:"remoteAddr,omitempty"`
	UserAgent  string `json:"userAgent,omitempty"`
}

// System event types. Accepted only when synthesized by the host itself.
const (
	EventInitialize = "INITIALIZE"
	EventResume     = "RESUME"
	EventConnect    = "CONNECT"
	EventDisconnect = "DISCONNECT"
	EventMigrate    = "MIGRATE"
)

// Event is a typed message fed to an actor's machine. On the wire it is a
// flat JSON object: {"type": ..., ...payload}. The caller is authoritative
// and attached by the host, never trusted from the payload.
type Event struct {
	Type        string
	Payload     map[string]any
	Caller      Caller
	RequestInfo *RequestInfo
}

// IsSystem reports whether the event was synthesized by the host.
func (e Event) IsSystem() bool {
	return e.Caller.Type == CallerSystem
}

// MarshalJSON flattens the payload into the top-level object alongside
// type, caller, and requestInfo.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Payload)+3)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["type"] = e.Type
	out["caller"] = e.Caller
	if e.RequestInfo != nil {
		out["requestInfo"] = e.RequestInfo
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits the flat wire object back into type and payload.
// Any caller or requestInfo field present in the wire object is discarded;
// the host stamps those.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	typRaw, ok := raw["type"]
	if !ok {
		return fmt.Errorf("event has no type field")
	}
	var typ string
	if err := json.Unmarshal(typRaw, &typ); err != nil {
		return fmt.Errorf("event type is not a string: %w", err)
	}
	if typ == "" {
		return fmt.Errorf("event type is empty")
	}

	delete(raw, "type")
	delete(raw, "caller")
	delete(raw, "requestInfo")

	payload := make(map[string]any, len(raw))
	for k, v := range raw {
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		payload[k] = val
	}

	e.Type = typ
	e.Payload = payload
	e.Caller = Caller{}
	e.RequestInfo = nil
	return nil
}

// SystemCaller is the caller attached to host-synthesized events.
func SystemCaller() Caller {
	return Caller{Type: CallerSystem, ID: "host"}
}

// NewConnectEvent builds the CONNECT system event for a caller joining.
func NewConnectEvent(connecting Caller) Event {
	return Event{
		Type:    EventConnect,
		Payload: map[string]any{"connectingCaller": callerPayload(connecting)},
		Caller:  SystemCaller(),
	}
}

// NewDisconnectEvent builds the DISCONNECT system event for a caller leaving.
func NewDisconnectEvent(disconnecting Caller) Event {
	return Event{
		Type:    EventDisconnect,
		Payload: map[string]any{"disconnectingCaller": callerPayload(disconnecting)},
		Caller:  SystemCaller(),
	}
}

func callerPayload(c Caller) map[string]any {
	return map[string]any{"type": string(c.Type), "id": c.ID}
}
