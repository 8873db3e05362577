// Package protocol implements the hermes wire codec.
//
// Requests travel client → server as {"type": ..., "payload": {...}}.
// Replies travel server → client as {"reply": ..., "payload": {...}} or
// {"reply": ..., "error": "..."}; the absence of payload signals failure.
// Before any JSON the server sends a plain text greeting frame.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// RequestType identifies a client → server message.
type RequestType string

const (
	ReqIdentify    RequestType = "identify"
	ReqSubscribe   RequestType = "subscribe"
	ReqUnsubscribe RequestType = "unsubscribe"
)

// ReplyType identifies a server → client message.
type ReplyType string

const (
	ReplyIdentify    ReplyType = "identify"
	ReplyCollections ReplyType = "collections"
	ReplySubscribe   ReplyType = "subscribe"
	ReplyUnsubscribe ReplyType = "unsubscribe"
	ReplyData        ReplyType = "data"

	// ReplyError answers frames whose request type could not be determined.
	ReplyError ReplyType = "error"
)

// Operation is the change class carried by a data reply.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// DefaultGreeting is the sentinel text frame that prompts identify.
const DefaultGreeting = "hermes"

// Document is a JSON object as exchanged on the wire.
type Document = map[string]any

// Envelope is the raw request frame.
type Envelope struct {
	Type    RequestType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ReplyEnvelope is the raw reply frame.
type ReplyEnvelope struct {
	Reply   ReplyType       `json:"reply"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Request is one decoded client → server message.
type Request interface {
	RequestType() RequestType
}

// IdentifyRequest binds a connection to a client identifier.
type IdentifyRequest struct {
	ID string `json:"id"`
}

// SubscribeRequest asks for a live query over a collection.
// Query is a JSON array of aggregation stages; it may be absent.
type SubscribeRequest struct {
	Collection     string          `json:"collection"`
	RegistrationID string          `json:"registrationId"`
	Query          json.RawMessage `json:"query,omitempty"`
}

// UnsubscribeRequest releases a live query.
type UnsubscribeRequest struct {
	Collection     string `json:"collection"`
	RegistrationID string `json:"registrationId"`
}

func (IdentifyRequest) RequestType() RequestType    { return ReqIdentify }
func (SubscribeRequest) RequestType() RequestType   { return ReqSubscribe }
func (UnsubscribeRequest) RequestType() RequestType { return ReqUnsubscribe }

// Stages splits the query into its pipeline stages.
// A missing or null query yields no stages.
func (r SubscribeRequest) Stages() ([]json.RawMessage, error) {
	q := bytes.TrimSpace(r.Query)
	if len(q) == 0 || bytes.Equal(q, []byte("null")) {
		return nil, nil
	}
	var stages []json.RawMessage
	if err := json.Unmarshal(q, &stages); err != nil {
		return nil, &ProtocolError{Reason: "`query` must be an array of pipeline stages"}
	}
	for _, s := range stages {
		s = bytes.TrimSpace(s)
		if len(s) == 0 || s[0] != '{' {
			return nil, &ProtocolError{Reason: "each pipeline stage must be an object"}
		}
	}
	return stages, nil
}

// Reply is one decoded server → client message.
type Reply interface {
	ReplyType() ReplyType
}

// IdentifyReply acknowledges identify.
type IdentifyReply struct {
	Message string `json:"message"`
}

// CollectionsReply lists the collections known at handshake time.
type CollectionsReply struct {
	Collections []string `json:"collections"`
}

// SubscribeReply acknowledges subscribe.
type SubscribeReply struct {
	Collection     string `json:"collection"`
	RegistrationID string `json:"registrationId"`
}

// UnsubscribeReply acknowledges unsubscribe.
type UnsubscribeReply struct {
	Collection     string `json:"collection"`
	RegistrationID string `json:"registrationId"`
}

// DeleteEntry removes one document. A RegistrationID scopes the removal to
// that registration; without it the document is gone for everyone.
type DeleteEntry struct {
	ID             any    `json:"_id"`
	RegistrationID string `json:"registrationId,omitempty"`
}

// UpdateDescription lists field-level changes keyed by dotted path.
type UpdateDescription struct {
	UpdatedFields map[string]any `json:"updatedFields"`
	RemovedFields []string       `json:"removedFields"`
}

// UpdateEntry carries an update description for one document.
type UpdateEntry struct {
	ID                any               `json:"_id"`
	UpdateDescription UpdateDescription `json:"updateDescription"`
}

// DataReply pushes snapshot or live changes for one registration.
type DataReply struct {
	Collection     string        `json:"coll"`
	RegistrationID string        `json:"registrationId"`
	Operation      Operation     `json:"operation"`
	InsertData     []Document    `json:"insertData,omitempty"`
	DeleteData     []DeleteEntry `json:"deleteData,omitempty"`
	UpdateData     []UpdateEntry `json:"updateData,omitempty"`
}

// ErrorReply is any reply carrying an error instead of a payload.
type ErrorReply struct {
	Reply ReplyType
	Error string
}

// MarshalJSON always writes insertData on inserts, so an empty snapshot is
// still an array.
func (d DataReply) MarshalJSON() ([]byte, error) {
	type plain DataReply
	if d.Operation != OpInsert {
		return json.Marshal(plain(d))
	}
	insert := struct {
		plain
		InsertData []Document `json:"insertData"`
	}{plain: plain(d), InsertData: d.InsertData}
	if insert.InsertData == nil {
		insert.InsertData = []Document{}
	}
	return json.Marshal(insert)
}

func (IdentifyReply) ReplyType() ReplyType    { return ReplyIdentify }
func (CollectionsReply) ReplyType() ReplyType { return ReplyCollections }
func (SubscribeReply) ReplyType() ReplyType   { return ReplySubscribe }
func (UnsubscribeReply) ReplyType() ReplyType { return ReplyUnsubscribe }
func (DataReply) ReplyType() ReplyType        { return ReplyData }
func (e ErrorReply) ReplyType() ReplyType     { return e.Reply }

// DecodeRequest parses one request frame. Unknown types, malformed JSON and
// missing payloads are reported as *ProtocolError.
func DecodeRequest(data []byte) (Request, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ProtocolError{Reason: "Message must be valid JSON", Err: err}
	}

	var req Request
	switch env.Type {
	case ReqIdentify:
		req = &IdentifyRequest{}
	case ReqSubscribe:
		req = &SubscribeRequest{}
	case ReqUnsubscribe:
		req = &UnsubscribeRequest{}
	case "":
		return nil, &ProtocolError{Reason: "`type` must be specified"}
	default:
		return nil, &ProtocolError{Type: env.Type, Reason: fmt.Sprintf("unknown message type %q", env.Type)}
	}

	if len(env.Payload) == 0 {
		return nil, &ProtocolError{Type: env.Type, Reason: "`payload` must be specified"}
	}
	if err := json.Unmarshal(env.Payload, req); err != nil {
		return nil, &ProtocolError{Type: env.Type, Reason: "malformed payload", Err: err}
	}

	switch r := req.(type) {
	case *IdentifyRequest:
		return *r, nil
	case *SubscribeRequest:
		return *r, nil
	case *UnsubscribeRequest:
		return *r, nil
	}
	return req, nil
}

// EncodeRequest serializes a request with its type tag.
func EncodeRequest(req Request) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: req.RequestType(), Payload: payload})
}

// EncodeReply serializes a reply. ErrorReply becomes {"reply": t, "error": msg}.
func EncodeReply(r Reply) ([]byte, error) {
	if e, ok := r.(ErrorReply); ok {
		return json.Marshal(ReplyEnvelope{Reply: e.Reply, Error: e.Error})
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ReplyEnvelope{Reply: r.ReplyType(), Payload: payload})
}

// DecodeReply parses one reply frame on the client.
func DecodeReply(data []byte) (Reply, error) {
	var env ReplyEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ProtocolError{Reason: "reply is not valid JSON", Err: err}
	}
	if env.Reply == "" {
		return nil, &ProtocolError{Reason: "`reply` must be specified"}
	}
	if len(env.Payload) == 0 || env.Error != "" {
		msg := env.Error
		if msg == "" {
			msg = "reply carried no payload"
		}
		return ErrorReply{Reply: env.Reply, Error: msg}, nil
	}

	var (
		reply Reply
		err   error
	)
	switch env.Reply {
	case ReplyIdentify:
		var r IdentifyReply
		err = json.Unmarshal(env.Payload, &r)
		reply = r
	case ReplyCollections:
		var r CollectionsReply
		err = json.Unmarshal(env.Payload, &r)
		reply = r
	case ReplySubscribe:
		var r SubscribeReply
		err = json.Unmarshal(env.Payload, &r)
		reply = r
	case ReplyUnsubscribe:
		var r UnsubscribeReply
		err = json.Unmarshal(env.Payload, &r)
		reply = r
	case ReplyData:
		var r DataReply
		err = json.Unmarshal(env.Payload, &r)
		reply = r
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown reply type %q", env.Reply)}
	}
	if err != nil {
		return nil, &ProtocolError{Reason: "malformed " + string(env.Reply) + " payload", Err: err}
	}
	return reply, nil
}

// IsGreeting reports whether a text frame is the handshake sentinel rather than JSON.
func IsGreeting(frame []byte, greeting string) bool {
	return string(frame) == greeting
}
