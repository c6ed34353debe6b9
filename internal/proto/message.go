package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"unicode/utf8"
)

type MessageType string

const (
	TypeRequest  MessageType = "request"
	TypeResponse MessageType = "response"
	TypeEvent    MessageType = "event"
	TypeError    MessageType = "error"
)

type Action string

// Request actions.
const (
	ActionRegister        Action = "register"
	ActionGetDirectory    Action = "get_dht"
	ActionGetFile         Action = "get_file"
	ActionPeerConnect     Action = "peer_connect"
	ActionPeerDiscovery   Action = "peer_discovery"
	ActionDirectoryUpdate Action = "dht_update"
	ActionFileDownload    Action = "file_download"
)

// Response actions.
const (
	ActionRegisterAck             Action = "register_ack"
	ActionGetDirectoryResponse    Action = "get_dht_response"
	ActionGetFileResponse         Action = "get_file_response"
	ActionPeerList                Action = "peer_list"
	ActionDirectoryUpdateResponse Action = "dht_update_response"
	ActionFileDownloadResponse    Action = "file_download_response"
	ActionError                   Action = "error"
	ActionTimeout                 Action = "timeout"
)

// Event actions.
const (
	ActionPeerJoined Action = "peer_joined"
	ActionPeerLeft   Action = "peer_left"
)

var (
	requestActions = map[Action]struct{}{
		ActionRegister: {}, ActionGetDirectory: {}, ActionGetFile: {}, ActionPeerConnect: {},
		ActionPeerDiscovery: {}, ActionDirectoryUpdate: {}, ActionFileDownload: {},
	}
	responseActions = map[Action]struct{}{
		ActionRegisterAck: {}, ActionGetDirectoryResponse: {}, ActionGetFileResponse: {}, ActionPeerList: {},
		ActionDirectoryUpdateResponse: {}, ActionFileDownloadResponse: {}, ActionError: {}, ActionTimeout: {},
	}
	eventActions = map[Action]struct{}{
		ActionPeerJoined: {}, ActionPeerLeft: {},
	}
)

func (t MessageType) Known() bool {
	switch t {
	case TypeRequest, TypeResponse, TypeEvent, TypeError:
		return true
	}
	return false
}

// Known reports whether a is defined in any action namespace.
func (a Action) Known() bool {
	if _, ok := requestActions[a]; ok {
		return true
	}
	if _, ok := responseActions[a]; ok {
		return true
	}
	_, ok := eventActions[a]
	return ok
}

// KnownPair is the strict form of validation: the action must belong to the
// namespace of the type. Error envelopes reuse the response namespace.
func KnownPair(t MessageType, a Action) bool {
	var ns map[Action]struct{}
	switch t {
	case TypeRequest:
		ns = requestActions
	case TypeResponse, TypeError:
		ns = responseActions
	case TypeEvent:
		ns = eventActions
	default:
		return false
	}
	_, ok := ns[a]
	return ok
}

// PeerInfo identifies a node by the address it serves on. It doubles as the
// provider key inside a directory.
type PeerInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (p PeerInfo) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

func (p PeerInfo) String() string {
	return p.Addr()
}

func (p PeerInfo) Valid() bool {
	return p.Host != "" && p.Port > 0 && p.Port <= 65535
}

func ParsePeerInfo(addr string) (PeerInfo, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return PeerInfo{}, fmt.Errorf("parse addr %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return PeerInfo{}, fmt.Errorf("parse port %q: %w", portStr, err)
	}
	p := PeerInfo{Host: host, Port: port}
	if !p.Valid() {
		return PeerInfo{}, fmt.Errorf("invalid addr %q", addr)
	}
	return p, nil
}

// Envelope is the unit exchanged on a connection. Origin is nil and Data is
// empty when the corresponding field was missing on the wire.
type Envelope struct {
	Type   MessageType     `json:"type"`
	Action Action          `json:"action"`
	Origin *PeerInfo       `json:"peer_info"`
	Data   json.RawMessage `json:"data"`
}

type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode envelope: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func NewEnvelope(t MessageType, a Action, origin PeerInfo, payload any) (Envelope, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return Envelope{}, err
	}
	o := origin
	return Envelope{Type: t, Action: a, Origin: &o, Data: data}, nil
}

func Encode(t MessageType, a Action, origin PeerInfo, payload any) ([]byte, error) {
	env, err := NewEnvelope(t, a, origin, payload)
	if err != nil {
		return nil, err
	}
	return EncodeEnvelope(env)
}

func EncodeEnvelope(env Envelope) ([]byte, error) {
	if env.Data == nil {
		env.Data = json.RawMessage("{}")
	}
	return json.Marshal(env)
}

var errInvalidUTF8 = errors.New("invalid utf-8")

// Decode rejects bodies that are not valid UTF-8 instead of letting
// encoding/json substitute U+FFFD.
func Decode(b []byte) (Envelope, error) {
	if !utf8.Valid(b) {
		return Envelope{}, &DecodeError{Err: errInvalidUTF8}
	}
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, &DecodeError{Err: err}
	}
	return env, nil
}

// Validate is permissive: it checks that all four fields are
// present, that the type is known and that the action is known in some
// namespace. It does not tie the action to the type; see KnownPair.
func Validate(env Envelope) bool {
	return env.Type.Known() &&
		env.Action.Known() &&
		env.Origin != nil &&
		len(env.Data) > 0
}

// DecodeData unmarshals the action payload into v. A JSON null payload leaves
// v untouched.
func (e Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("missing data")
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s/%s data: %w", e.Type, e.Action, err)
	}
	return nil
}

func (e Envelope) OriginInfo() PeerInfo {
	if e.Origin == nil {
		return PeerInfo{}
	}
	return *e.Origin
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("{}"), nil
		}
		return p, nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return b, nil
	}
}
