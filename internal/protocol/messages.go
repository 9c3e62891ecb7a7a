package protocol

import (
	"encoding/binary"
	"fmt"
	"math"

	"pkt.systems/blds/internal/dataframe"
)

// Message type tokens, spec.md §6.
const (
	TypeCreateSource     = "create-source"
	TypeDeleteSource     = "delete-source"
	TypeSet              = "set"
	TypeGet              = "get"
	TypeSetSource        = "set-source"
	TypeGetSource        = "get-source"
	TypeStartRecording   = "start-recording"
	TypeStopRecording    = "stop-recording"
	TypeGetData          = "get-data"
	TypeGetAllData       = "get-all-data"
	TypeSourceCreated    = "source-created"
	TypeSourceDeleted    = "source-deleted"
	TypeRecordingStarted = "recording-started"
	TypeRecordingStopped = "recording-stopped"
	TypeData             = "data"
	TypeError            = "error"
)

// CreateSourceRequest is the body of a "create-source" message.
type CreateSourceRequest struct {
	SourceType string
	Location   string
}

// ParamRequest is the body of a "set", "get", "set-source", or
// "get-source" message before its value has been interpreted.
type ParamRequest struct {
	Param string
	Value []byte // raw bytes following the second newline; empty for get/get-source
}

// GetDataRequest is the body of a "get-data" message.
type GetDataRequest struct {
	Start float32
	Stop  float32
}

// GetAllDataRequest is the body of a "get-all-data" message.
type GetAllDataRequest struct {
	Flag bool
}

// Inbound holds a parsed client message: exactly one of the typed fields
// is populated, selected by Type.
type Inbound struct {
	Type         string
	CreateSource CreateSourceRequest
	Param        ParamRequest
	GetData      GetDataRequest
	GetAllData   GetAllDataRequest
}

// ParseInbound decodes a client->server payload per spec.md §6. It never
// returns an error for a type-specific body it cannot further interpret
// (e.g. an unknown param name) -- that is left to the dispatcher, since
// only the dispatcher knows which params exist. It does return an error
// for a payload that is structurally malformed: missing type newline,
// unknown type token, or a body too short for its type.
func ParseInbound(payload []byte) (Inbound, error) {
	token, body, err := splitTypeToken(payload)
	if err != nil {
		return Inbound{}, err
	}
	switch token {
	case TypeCreateSource:
		parts := splitOnce(body)
		return Inbound{Type: token, CreateSource: CreateSourceRequest{
			SourceType: string(parts[0]),
			Location:   string(parts[1]),
		}}, nil
	case TypeDeleteSource, TypeStartRecording, TypeStopRecording:
		return Inbound{Type: token}, nil
	case TypeSet, TypeSetSource:
		parts := splitOnce(body)
		return Inbound{Type: token, Param: ParamRequest{Param: string(parts[0]), Value: parts[1]}}, nil
	case TypeGet, TypeGetSource:
		param := body
		if n := len(param); n > 0 && param[n-1] == '\n' {
			param = param[:n-1]
		}
		return Inbound{Type: token, Param: ParamRequest{Param: string(param)}}, nil
	case TypeGetData:
		if len(body) < 8 {
			return Inbound{}, fmt.Errorf("protocol: %s body too short (%d bytes)", token, len(body))
		}
		start := math.Float32frombits(binary.LittleEndian.Uint32(body[0:4]))
		stop := math.Float32frombits(binary.LittleEndian.Uint32(body[4:8]))
		return Inbound{Type: token, GetData: GetDataRequest{Start: start, Stop: stop}}, nil
	case TypeGetAllData:
		if len(body) < 1 {
			return Inbound{}, fmt.Errorf("protocol: %s body too short", token)
		}
		return Inbound{Type: token, GetAllData: GetAllDataRequest{Flag: body[0] != 0}}, nil
	default:
		return Inbound{}, fmt.Errorf("protocol: unknown message type %q", token)
	}
}

// splitOnce splits body on the first newline into two parts. If there is
// no newline, the second part is empty.
func splitOnce(body []byte) [2][]byte {
	for i, b := range body {
		if b == '\n' {
			return [2][]byte{body[:i], body[i+1:]}
		}
	}
	return [2][]byte{body, nil}
}

// --- Outbound encoders ---

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

func encodeStatusReply(token string, success bool, rest []byte) []byte {
	out := make([]byte, 0, len(token)+2+len(rest))
	out = append(out, token...)
	out = append(out, '\n')
	out = append(out, boolByte(success))
	out = append(out, rest...)
	return out
}

// EncodeSourceCreated encodes a "source-created" reply.
func EncodeSourceCreated(success bool, msg string) []byte {
	return encodeStatusReply(TypeSourceCreated, success, []byte(msg))
}

// EncodeSourceDeleted encodes a "source-deleted" reply.
func EncodeSourceDeleted(success bool, msg string) []byte {
	return encodeStatusReply(TypeSourceDeleted, success, []byte(msg))
}

// EncodeSet encodes a "set" reply: success | param\n | msg.
func EncodeSet(success bool, param, msg string) []byte {
	rest := append([]byte(param+"\n"), []byte(msg)...)
	return encodeStatusReply(TypeSet, success, rest)
}

// EncodeGet encodes a "get" reply: success | param\n | encoded value or msg.
func EncodeGet(success bool, param string, valueOrMsg []byte) []byte {
	rest := append([]byte(param+"\n"), valueOrMsg...)
	return encodeStatusReply(TypeGet, success, rest)
}

// EncodeSetSource encodes a "set-source" reply.
func EncodeSetSource(success bool, param, msg string) []byte {
	rest := append([]byte(param+"\n"), []byte(msg)...)
	return encodeStatusReply(TypeSetSource, success, rest)
}

// EncodeGetSource encodes a "get-source" reply.
func EncodeGetSource(success bool, param string, valueOrMsg []byte) []byte {
	rest := append([]byte(param+"\n"), valueOrMsg...)
	return encodeStatusReply(TypeGetSource, success, rest)
}

// EncodeRecordingStarted encodes a "recording-started" reply.
func EncodeRecordingStarted(success bool, msg string) []byte {
	return encodeStatusReply(TypeRecordingStarted, success, []byte(msg))
}

// EncodeRecordingStopped encodes a "recording-stopped" reply.
func EncodeRecordingStopped(success bool, msg string) []byte {
	return encodeStatusReply(TypeRecordingStopped, success, []byte(msg))
}

// EncodeGetAllData encodes a "get-all-data" reply.
func EncodeGetAllData(success bool, msg string) []byte {
	return encodeStatusReply(TypeGetAllData, success, []byte(msg))
}

// EncodeData encodes a "data" push carrying a DataFrame.
func EncodeData(frame dataframe.DataFrame) []byte {
	out := make([]byte, 0, len(TypeData)+1+64)
	out = append(out, TypeData...)
	out = append(out, '\n')
	out = append(out, frame.Serialize()...)
	return out
}

// EncodeError encodes an "error" push.
func EncodeError(msg string) []byte {
	out := make([]byte, 0, len(TypeError)+1+len(msg))
	out = append(out, TypeError...)
	out = append(out, '\n')
	out = append(out, msg...)
	return out
}
