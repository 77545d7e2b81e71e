package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/zeusync/ecsnet/internal/core/failure"
	"github.com/zeusync/ecsnet/pkg/encoding"
)

// ControlType is the packet_type of a control channel packet.
type ControlType uint16

const (
	ControlRegisterSystem         ControlType = 1
	ControlRegisterPlugin         ControlType = 2
	ControlQueryChannel           ControlType = 3
	ControlListChannels           ControlType = 4
	ControlRegisterResponse       ControlType = 5
	ControlQueryResponse          ControlType = 6
	ControlListResponse           ControlType = 7
	ControlRequestChannelManifest ControlType = 8
	ControlChannelManifest        ControlType = 9
	ControlChannelRegistered      ControlType = 10
	ControlChannelUnregistered    ControlType = 11
	ControlError                  ControlType = 255
)

var controlNames = map[ControlType]string{
	ControlRegisterSystem:         "register_system",
	ControlRegisterPlugin:         "register_plugin",
	ControlQueryChannel:           "query_channel",
	ControlListChannels:           "list_channels",
	ControlRegisterResponse:       "register_response",
	ControlQueryResponse:          "query_response",
	ControlListResponse:           "list_response",
	ControlRequestChannelManifest: "request_channel_manifest",
	ControlChannelManifest:        "channel_manifest",
	ControlChannelRegistered:      "channel_registered",
	ControlChannelUnregistered:    "channel_unregistered",
	ControlError:                  "error",
}

func (t ControlType) String() string {
	if name, ok := controlNames[t]; ok {
		return name
	}
	return fmt.Sprintf("control(%d)", uint16(t))
}

func (t ControlType) Valid() bool {
	_, ok := controlNames[t]
	return ok
}

// ControlPriority is used for every control packet.
const ControlPriority = PriorityCritical

func control(t ControlType, payload []byte) Packet {
	return Packet{Channel: ControlChannel, Type: uint16(t), Priority: ControlPriority, Payload: payload}
}

func malformed(t ControlType, err error) error {
	if err == nil {
		return nil
	}
	return failure.Wrap(failure.KindDeserialization, "protocol.control."+t.String(), err)
}

func RegisterSystemPacket(id uint16, name string) Packet {
	return control(ControlRegisterSystem, encoding.NewWriter(4+len(name)).U16(id).String16(name).Bytes())
}

func DecodeRegisterSystem(payload []byte) (uint16, string, error) {
	r := encoding.NewReader(payload)
	id := r.U16()
	name := r.String16()
	return id, name, malformed(ControlRegisterSystem, r.Err())
}

func RegisterPluginPacket(name string) Packet {
	return control(ControlRegisterPlugin, encoding.NewWriter(2+len(name)).String16(name).Bytes())
}

func QueryChannelPacket(name string) Packet {
	return control(ControlQueryChannel, encoding.NewWriter(2+len(name)).String16(name).Bytes())
}

// DecodeName reads the u16-prefixed name of RegisterPlugin and QueryChannel.
func DecodeName(t ControlType, payload []byte) (string, error) {
	r := encoding.NewReader(payload)
	name := r.String16()
	return name, malformed(t, r.Err())
}

func ListChannelsPacket() Packet {
	return control(ControlListChannels, nil)
}

func RequestManifestPacket() Packet {
	return control(ControlRequestChannelManifest, nil)
}

// RegisterResponse answers RegisterSystem and RegisterPlugin.
type RegisterResponse struct {
	OK    bool
	ID    uint16
	Error string
}

func (m RegisterResponse) Packet() Packet {
	w := encoding.NewWriter(3 + len(m.Error)).Bool(m.OK)
	if m.OK {
		w.U16(m.ID)
	} else {
		w.Raw([]byte(m.Error))
	}
	return control(ControlRegisterResponse, w.Bytes())
}

func DecodeRegisterResponse(payload []byte) (RegisterResponse, error) {
	r := encoding.NewReader(payload)
	m := RegisterResponse{OK: r.Bool()}
	if m.OK {
		m.ID = r.U16()
	} else {
		m.Error = string(r.Rest())
	}
	return m, malformed(ControlRegisterResponse, r.Err())
}

type QueryResponse struct {
	Found bool
	ID    uint16
	Name  string
}

func (m QueryResponse) Packet() Packet {
	w := encoding.NewWriter(5 + len(m.Name)).Bool(m.Found)
	if m.Found {
		w.U16(m.ID).String16(m.Name)
	}
	return control(ControlQueryResponse, w.Bytes())
}

func DecodeQueryResponse(payload []byte) (QueryResponse, error) {
	r := encoding.NewReader(payload)
	m := QueryResponse{Found: r.Bool()}
	if m.Found {
		m.ID = r.U16()
		m.Name = r.String16()
	}
	return m, malformed(ControlQueryResponse, r.Err())
}

func ListResponsePacket(channels []Channel) Packet {
	w := encoding.NewWriter(2 + 16*len(channels)).U16(uint16(len(channels)))
	for _, ch := range channels {
		w.U16(ch.ID).String16(ch.Name)
	}
	return control(ControlListResponse, w.Bytes())
}

func DecodeListResponse(payload []byte) ([]Channel, error) {
	r := encoding.NewReader(payload)
	count := int(r.U16())
	if !r.Fits(count, 4) {
		return nil, malformed(ControlListResponse, r.Err())
	}
	channels := make([]Channel, 0, count)
	for i := 0; i < count; i++ {
		id := r.U16()
		channels = append(channels, Channel{ID: id, Name: r.String16(), Owner: OwnerOf(id)})
	}
	if err := r.Err(); err != nil {
		return nil, malformed(ControlListResponse, err)
	}
	return channels, nil
}

func ChannelRegisteredPacket(ch Channel) Packet {
	return control(ControlChannelRegistered, encoding.NewWriter(2+len(ch.Name)).U16(ch.ID).Raw([]byte(ch.Name)).Bytes())
}

func DecodeChannelRegistered(payload []byte) (Channel, error) {
	r := encoding.NewReader(payload)
	id := r.U16()
	name := string(r.Rest())
	if err := r.Err(); err != nil {
		return Channel{}, malformed(ControlChannelRegistered, err)
	}
	return Channel{ID: id, Name: name, Owner: OwnerOf(id)}, nil
}

func ChannelUnregisteredPacket(id uint16) Packet {
	return control(ControlChannelUnregistered, encoding.NewWriter(2).U16(id).Bytes())
}

func DecodeChannelUnregistered(payload []byte) (uint16, error) {
	r := encoding.NewReader(payload)
	id := r.U16()
	return id, malformed(ControlChannelUnregistered, r.Err())
}

func ErrorPacket(text string) Packet {
	return control(ControlError, []byte(text))
}

const manifestType = "channel_manifest"

// Manifest maps channel names to ids. On the wire it is
// {"type":"channel_manifest","channels":{name:id}}.
type Manifest struct {
	Channels map[string]uint16
}

type manifestJSON struct {
	Type     string            `json:"type"`
	Channels map[string]uint16 `json:"channels"`
}

func (m Manifest) MarshalJSON() ([]byte, error) {
	channels := m.Channels
	if channels == nil {
		channels = map[string]uint16{}
	}
	return json.Marshal(manifestJSON{Type: manifestType, Channels: channels})
}

func (m *Manifest) UnmarshalJSON(data []byte) error {
	var raw manifestJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Type != manifestType {
		return fmt.Errorf("unexpected manifest type %q", raw.Type)
	}
	m.Channels = raw.Channels
	if m.Channels == nil {
		m.Channels = map[string]uint16{}
	}
	return nil
}

func (m Manifest) Packet() Packet {
	data, _ := json.Marshal(m)
	return control(ControlChannelManifest, data)
}

// DecodeManifest parses a ChannelManifest payload. A manifest that does not
// parse, or maps two names to one id, is corrupt and fails Fatal.
func DecodeManifest(payload []byte) (Manifest, error) {
	const op = "protocol.control.channel_manifest"
	var m Manifest
	if err := json.Unmarshal(payload, &m); err != nil {
		return Manifest{}, failure.Wrap(failure.KindFatal, op, err)
	}
	seen := make(map[uint16]string, len(m.Channels))
	for name, id := range m.Channels {
		if other, dup := seen[id]; dup {
			return Manifest{}, failure.Newf(failure.KindFatal, op, "channel %d claimed by %q and %q", id, other, name)
		}
		seen[id] = name
	}
	return m, nil
}

// Name returns the name mapped to id.
func (m Manifest) Name(id uint16) (string, bool) {
	for name, cid := range m.Channels {
		if cid == id {
			return name, true
		}
	}
	return "", false
}
