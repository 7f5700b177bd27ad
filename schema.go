package snapctrl

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// JSONRPCVersion is the protocol version string carried by every message.
const JSONRPCVersion = "2.0"

// Request method names understood by snapserver.
const (
	MethodServerGetStatus     = "Server.GetStatus"
	MethodServerGetRPCVersion = "Server.GetRPCVersion"
	MethodServerDeleteClient  = "Server.DeleteClient"
	MethodClientSetVolume     = "Client.SetVolume"
	MethodClientSetLatency    = "Client.SetLatency"
	MethodClientSetName       = "Client.SetName"
	MethodGroupSetMute        = "Group.SetMute"
	MethodGroupSetStream      = "Group.SetStream"
	MethodGroupSetName        = "Group.SetName"
)

// Notification method names pushed by snapserver.
const (
	NotifyClientVolumeChanged  = "Client.OnVolumeChanged"
	NotifyClientLatencyChanged = "Client.OnLatencyChanged"
	NotifyClientNameChanged    = "Client.OnNameChanged"
	NotifyClientConnect        = "Client.OnConnect"
	NotifyClientDisconnect     = "Client.OnDisconnect"
	NotifyGroupMute            = "Group.OnMute"
	NotifyGroupStreamChanged   = "Group.OnStreamChanged"
	NotifyGroupNameChanged     = "Group.OnNameChanged"
	NotifyStreamUpdate         = "Stream.OnUpdate"
	NotifyStreamProperties     = "Stream.OnProperties"
	NotifyServerUpdate         = "Server.OnUpdate"
)

// RequestID is a JSON-RPC request identifier. This client always generates
// monotonically increasing integers, but peers may echo ids back as strings,
// so unmarshaling accepts both forms.
type RequestID uint64

// MarshalJSON implements json.Marshaler, always emitting a number.
func (id RequestID) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatUint(uint64(id), 10)), nil
}

// UnmarshalJSON implements json.Unmarshaler, accepting a number or a string
// holding a number.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	s := string(bytes.Trim(data, `"`))
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid request id %s: %w", data, err)
	}
	*id = RequestID(v)
	return nil
}

// Message is the decoded form of a single JSON-RPC wire line. It is one of
// *Request, *Response, or *Notification.
type Message interface {
	message()
}

// Request is a JSON-RPC 2.0 method call carrying an id.
type Request struct {
	ID     RequestID
	Method string
	Params json.RawMessage
}

// Response is a JSON-RPC 2.0 reply to a Request. Exactly one of Result and
// Err is set.
type Response struct {
	ID     RequestID
	Result json.RawMessage
	Err    *RPCError
}

// Notification is a server-initiated JSON-RPC 2.0 message without an id.
// It is never acknowledged.
type Notification struct {
	Method string
	Params json.RawMessage
}

func (*Request) message()      {}
func (*Response) message()     {}
func (*Notification) message() {}

// RPCError is the error object of a failed JSON-RPC response.
type RPCError struct {
	// Code is the numeric JSON-RPC error code.
	Code int `json:"code"`
	// Message is a short human-readable description.
	Message string `json:"message"`
	// Data carries optional, unstructured extra detail.
	Data any `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// envelope is the superset wire shape every message variant marshals through.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *RequestID      `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// EncodeRequest encodes a method call as a single newline-free JSON object.
// A nil params is omitted from the output entirely, never emitted as null.
// The caller owns line framing; the returned bytes carry no trailing newline.
func EncodeRequest(id RequestID, method string, params json.RawMessage) ([]byte, error) {
	if method == "" {
		return nil, errors.New("encode request: empty method")
	}
	if bytes.ContainsRune(params, '\n') {
		return nil, errors.New("encode request: params contain embedded newline")
	}
	if bytes.Equal(bytes.TrimSpace(params), []byte("null")) {
		params = nil
	}
	env := envelope{
		JSONRPC: JSONRPCVersion,
		ID:      &id,
		Method:  method,
		Params:  params,
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return out, nil
}

// DecodeMessage decodes one complete line into a Request, Response, or
// Notification:
//   - a message with a method and no id is a *Notification
//   - a message with an id and exactly one of result/error is a *Response
//   - a message with an id and a method is a *Request
//
// Anything else, including lines with embedded newlines, is a decode failure.
func DecodeMessage(line []byte) (Message, error) {
	if bytes.ContainsRune(bytes.TrimRight(line, "\r\n"), '\n') {
		return nil, errors.New("decode message: embedded newline")
	}
	line = bytes.TrimRight(line, "\r\n")

	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if env.JSONRPC != JSONRPCVersion {
		return nil, fmt.Errorf("decode message: unsupported jsonrpc version %q", env.JSONRPC)
	}

	hasResult := len(env.Result) > 0
	hasError := env.Error != nil

	switch {
	case env.ID == nil && env.Method != "":
		return &Notification{Method: env.Method, Params: env.Params}, nil
	case env.ID != nil && env.Method != "" && !hasResult && !hasError:
		return &Request{ID: *env.ID, Method: env.Method, Params: env.Params}, nil
	case env.ID != nil && hasResult != hasError:
		return &Response{ID: *env.ID, Result: env.Result, Err: env.Error}, nil
	default:
		return nil, errors.New("decode message: not a valid request, response, or notification")
	}
}

// Typed params for the command surface.

type clientVolume struct {
	Percent *int  `json:"percent,omitempty"`
	Muted   *bool `json:"muted,omitempty"`
}

type clientSetVolumeParams struct {
	ID     string       `json:"id"`
	Volume clientVolume `json:"volume"`
}

type clientSetLatencyParams struct {
	ID      string `json:"id"`
	Latency int    `json:"latency"`
}

type clientSetNameParams struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type groupSetMuteParams struct {
	ID   string `json:"id"`
	Mute bool   `json:"mute"`
}

type groupSetStreamParams struct {
	ID       string `json:"id"`
	StreamID string `json:"stream_id"`
}

type groupSetNameParams struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type serverDeleteClientParams struct {
	ID string `json:"id"`
}

// RPCVersion is the result of Server.GetRPCVersion.
type RPCVersion struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}
