package protocol

import (
	"errors"
	"fmt"
)

// ErrProtocol matches every *ProtocolError with errors.Is.
var ErrProtocol = errors.New("protocol error")

// ProtocolError reports a malformed frame, an unknown tag or a missing field.
// The connection stays open and no state is mutated.
type ProtocolError struct {
	Type   RequestType // request type when it could be read
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// MissingField builds the error for an absent required payload field.
func MissingField(t RequestType, field string) *ProtocolError {
	return &ProtocolError{Type: t, Reason: fmt.Sprintf("`%s` must be specified", field)}
}

// ErrorFor builds the error reply for a failed request. Requests whose type is
// unknown are answered with the generic error tag.
func ErrorFor(t RequestType, err error) ErrorReply {
	reply := ReplyError
	switch t {
	case ReqIdentify:
		reply = ReplyIdentify
	case ReqSubscribe:
		reply = ReplySubscribe
	case ReqUnsubscribe:
		reply = ReplyUnsubscribe
	}
	return ErrorReply{Reply: reply, Error: err.Error()}
}
