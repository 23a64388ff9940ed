package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Request is an outgoing JSON-RPC request or, when ID is empty, a notification.
type Request struct {
	ID     RequestID
	Method string
	// Params is marshaled as-is; nil omits the "params" member.
	Params any
	// SessionID, when set, is written as the top-level "sessionId" member of the envelope.
	SessionID string
}

// ResponseKind tells which of the three response shapes a Response holds.
type ResponseKind int

const (
	// ResponseSuccess is a JSON-RPC result, or a bare success with no structured result at all.
	ResponseSuccess ResponseKind = iota
	// ResponseFailure is a structured JSON-RPC error.
	ResponseFailure
	// ResponseRaw is a body that could not be interpreted as a JSON-RPC response.
	ResponseRaw
)

// Response is a decoded inbound frame. Exactly one of Result, Error or Raw is meaningful, as selected
// by Kind. A frame carrying a Method is a server-initiated request or notification rather than a
// response.
type Response struct {
	ID   RequestID
	Kind ResponseKind

	Result json.RawMessage
	Error  *JSONRPCError
	Raw    string
	// Status is the HTTP status the frame arrived with, zero when not applicable.
	Status int

	Method string
	Params json.RawMessage
}

// EncodeRequest builds the JSON-RPC envelope for req:
//
//	{"jsonrpc":"2.0","id":...,"method":...,"params":...,"sessionId":...}
//
// "id" is omitted for notifications, "params" when nil and "sessionId" when empty.
func EncodeRequest(req Request) ([]byte, error) {
	if req.Method == "" {
		return nil, fmt.Errorf("failed to encode request: empty method")
	}
	msg := JSONRPCMessage{
		JSONRPC:   JSONRPCVersion,
		ID:        req.ID,
		Method:    req.Method,
		SessionID: req.SessionID,
	}
	if req.Params != nil {
		switch p := req.Params.(type) {
		case json.RawMessage:
			msg.Params = p
		default:
			params, err := json.Marshal(p)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal params of %s: %w", req.Method, err)
			}
			msg.Params = params
		}
	}
	bs, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return bs, nil
}

// wireResponse decodes a response without committing to the shape of "error", which some servers send
// as a plain string.
type wireResponse struct {
	ID     RequestID       `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// DecodeResponse interprets body as the answer to the request identified by id. It never fails: bodies
// that are not JSON-RPC become ResponseRaw frames. An empty body, a JSON null, or a JSON object with
// neither "result" nor "error" is a bare success with an empty result. When the body carries its own
// id, that id wins over the given one.
func DecodeResponse(id RequestID, body []byte) Response {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Response{ID: id, Kind: ResponseSuccess}
	}
	if !json.Valid(trimmed) {
		return Response{ID: id, Kind: ResponseRaw, Raw: string(body)}
	}
	if trimmed[0] != '{' {
		// A bare JSON value (string, number, array) is taken as the result itself.
		return Response{ID: id, Kind: ResponseSuccess, Result: json.RawMessage(trimmed)}
	}

	var wire wireResponse
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return Response{ID: id, Kind: ResponseRaw, Raw: string(body)}
	}
	if wire.ID != "" {
		id = wire.ID
	}
	if wire.Method != "" {
		return Response{ID: wire.ID, Kind: ResponseSuccess, Method: wire.Method, Params: wire.Params}
	}
	if len(wire.Error) > 0 && !bytes.Equal(wire.Error, []byte("null")) {
		var rpcErr JSONRPCError
		if wire.Error[0] != '{' || json.Unmarshal(wire.Error, &rpcErr) != nil {
			return Response{ID: id, Kind: ResponseRaw, Raw: string(body)}
		}
		return Response{ID: id, Kind: ResponseFailure, Error: &rpcErr}
	}
	if bytes.Equal(wire.Result, []byte("null")) {
		wire.Result = nil
	}
	return Response{ID: id, Kind: ResponseSuccess, Result: wire.Result}
}

// Err maps a failure frame to *ServerError and a raw frame to *ProtocolError. Success frames return nil.
func (r Response) Err() error {
	switch r.Kind {
	case ResponseFailure:
		if r.Error == nil {
			return &ServerError{Code: CodeInternalError, Message: "empty error"}
		}
		return &ServerError{Code: r.Error.Code, Message: r.Error.Message, Data: r.Error.Data}
	case ResponseRaw:
		return &ProtocolError{Status: r.Status, Raw: r.Raw, Reason: "response is not JSON-RPC"}
	}
	return nil
}

// IsBare reports whether the frame is a success without any structured result.
func (r Response) IsBare() bool {
	return r.Kind == ResponseSuccess && len(r.Result) == 0
}
