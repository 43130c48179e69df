package protocol

import (
	"bytes"
	_ "embed"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang/snappy"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"lockstep.gg/internal/sim/command"
)

//go:embed handshake.schema.json
var handshakeSchemaJSON string

//go:embed lobby.schema.json
var lobbySchemaJSON string

var (
	handshakeSchema = jsonschema.MustCompileString("handshake.schema.json", handshakeSchemaJSON)
	lobbySchema     = jsonschema.MustCompileString("lobby.schema.json", lobbySchemaJSON)
)

var ErrBadPayload = errors.New("protocol: bad payload")

// Handshake opens a link in both directions. A reply carries Accepted and,
// when refused, a Code from errors.go.
type Handshake struct {
	ProtocolVersion int    `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	PeerID          string `json:"peer_id"`
	Player          uint16 `json:"player"`
	Name            string `json:"name,omitempty"`
	ScenarioDigest  string `json:"scenario_digest,omitempty"`
	TuningDigest    string `json:"tuning_digest,omitempty"`
	Tick            uint32 `json:"tick"`
	Host            bool   `json:"host,omitempty"`

	Reply    bool   `json:"reply,omitempty"`
	Accepted bool   `json:"accepted,omitempty"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message,omitempty"`
}

type LobbyPlayer struct {
	Player uint16 `json:"player"`
	PeerID string `json:"peer_id"`
	Name   string `json:"name,omitempty"`
	Ready  bool   `json:"ready"`
}

// Lobby is the host's view of who has joined before the first tick.
type Lobby struct {
	SessionID string        `json:"session_id"`
	Players   []LobbyPlayer `json:"players"`
	Started   bool          `json:"started,omitempty"`
}

func EncodeHandshake(tick uint32, h Handshake) ([]byte, error) {
	return encodeJSON(TypeHandshake, tick, h)
}

func DecodeHandshake(f Frame) (Handshake, error) {
	var h Handshake
	err := decodeJSON(f, TypeHandshake, handshakeSchema, &h)
	return h, err
}

func EncodeLobby(tick uint32, l Lobby) ([]byte, error) {
	return encodeJSON(TypeLobby, tick, l)
}

func DecodeLobby(f Frame) (Lobby, error) {
	var l Lobby
	err := decodeJSON(f, TypeLobby, lobbySchema, &l)
	return l, err
}

func encodeJSON(typ MsgType, tick uint32, v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return AppendFrame(nil, typ, tick, b)
}

func decodeJSON(f Frame, want MsgType, schema *jsonschema.Schema, v any) error {
	if f.Type != want {
		return fmt.Errorf("%w: %s frame, want %s", ErrBadPayload, f.Type, want)
	}
	dec := json.NewDecoder(bytes.NewReader(f.Payload))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}

// EncodeBatch frames a command batch; the payload is the snappy-compressed
// batch wire form. The header tick is the batch's tick.
func EncodeBatch(b command.Batch) ([]byte, error) {
	raw, err := command.EncodeBatch(nil, b)
	if err != nil {
		return nil, err
	}
	return AppendFrame(nil, TypeCommandBatch, b.Tick, snappy.Encode(nil, raw))
}

func DecodeBatch(f Frame) (command.Batch, error) {
	if f.Type != TypeCommandBatch {
		return command.Batch{}, fmt.Errorf("%w: %s frame, want %s", ErrBadPayload, f.Type, TypeCommandBatch)
	}
	raw, err := snappy.Decode(nil, f.Payload)
	if err != nil {
		return command.Batch{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	b, err := command.DecodeBatch(raw)
	if err != nil {
		return command.Batch{}, err
	}
	if b.Tick != f.Tick {
		return command.Batch{}, fmt.Errorf("%w: batch tick %d in frame for tick %d", ErrBadPayload, b.Tick, f.Tick)
	}
	return b, nil
}

// ChecksumSize is the checksum message body: tick u32, checksum u32.
const ChecksumSize = 8

func AppendChecksum(dst []byte, tick, sum uint32) []byte {
	return binary.LittleEndian.AppendUint32(binary.LittleEndian.AppendUint32(dst, tick), sum)
}

func ParseChecksum(b []byte) (tick, sum uint32, err error) {
	if len(b) != ChecksumSize {
		return 0, 0, fmt.Errorf("%w: checksum message is %d bytes", ErrBadPayload, len(b))
	}
	return binary.LittleEndian.Uint32(b[0:4]), binary.LittleEndian.Uint32(b[4:8]), nil
}

func EncodeChecksum(tick, sum uint32) ([]byte, error) {
	return AppendFrame(nil, TypeChecksum, tick, AppendChecksum(nil, tick, sum))
}

func DecodeChecksum(f Frame) (tick, sum uint32, err error) {
	if f.Type != TypeChecksum {
		return 0, 0, fmt.Errorf("%w: %s frame, want %s", ErrBadPayload, f.Type, TypeChecksum)
	}
	if tick, sum, err = ParseChecksum(f.Payload); err != nil {
		return 0, 0, err
	}
	if tick != f.Tick {
		return 0, 0, fmt.Errorf("%w: checksum for tick %d in frame for tick %d", ErrBadPayload, tick, f.Tick)
	}
	return tick, sum, nil
}

// TickSync carries the sender's current tick in the header and its pause
// state in a one-byte body.
func EncodeTickSync(tick uint32, paused bool) ([]byte, error) {
	var b byte
	if paused {
		b = 1
	}
	return AppendFrame(nil, TypeTickSync, tick, []byte{b})
}

func DecodeTickSync(f Frame) (tick uint32, paused bool, err error) {
	if f.Type != TypeTickSync || len(f.Payload) != 1 || f.Payload[0] > 1 {
		return 0, false, fmt.Errorf("%w: tick sync", ErrBadPayload)
	}
	return f.Tick, f.Payload[0] == 1, nil
}

// FormatDigest renders a scenario digest for a handshake; zero means none.
func FormatDigest(d uint64) string {
	if d == 0 {
		return ""
	}
	return fmt.Sprintf("%016x", d)
}
