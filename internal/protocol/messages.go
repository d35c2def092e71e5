package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrInvalidMessage is returned when a message payload is malformed.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrUnknownMessageType is returned for unrecognized message types.
	ErrUnknownMessageType = errors.New("unknown message type")
)

// Message is one variant of the wire protocol's tagged union. Each variant
// has a fixed field set; connection state machines match on the concrete
// type and reject variants not valid for the current phase.
type Message interface {
	Type() uint8
	encodePayload() []byte
}

// Encode serializes a message as type byte + payload.
func Encode(m Message) []byte {
	payload := m.encodePayload()
	buf := make([]byte, 1+len(payload))
	buf[0] = m.Type()
	copy(buf[1:], payload)
	return buf
}

// Decode deserializes a message from type byte + payload.
func Decode(buf []byte) (Message, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("%w: empty buffer", ErrInvalidMessage)
	}
	msgType := buf[0]
	payload := buf[1:]

	switch msgType {
	case MsgRegisterDevice:
		return decodeRegisterDevice(payload)
	case MsgRegisterDeviceAck:
		return decodeRegisterDeviceAck(payload)
	case MsgRegisterPublicKey:
		return decodeRegisterPublicKey(payload)
	case MsgRegisterPublicKeyAck:
		return decodeRegisterPublicKeyAck(payload)
	case MsgRelayPairingRequest:
		return decodeRelayPairingRequest(payload)
	case MsgRelayPairingResponse:
		return decodeRelayPairingResponse(payload)
	case MsgConfigUpdate:
		return decodeConfigUpdate(payload)
	case MsgSignedIdentity:
		return decodeSignedIdentity(payload)
	case MsgPublicKeyExchange:
		return decodePublicKeyExchange(payload)
	case MsgPasswordChallenge:
		return decodePasswordChallenge(payload)
	case MsgPasswordResponse:
		return decodePasswordResponse(payload)
	case MsgLoginRequest:
		return decodeLoginRequest(payload)
	case MsgLoginResponse:
		return decodeLoginResponse(payload)
	case MsgLatencyProbe:
		return decodeLatencyProbe(payload)
	case MsgVideoFrame:
		return decodeVideoFrame(payload)
	case MsgAudioFrame:
		return decodeAudioFrame(payload)
	case MsgMouseEvent:
		return decodeMouseEvent(payload)
	case MsgKeyEvent:
		return decodeKeyEvent(payload)
	case MsgClipboardText:
		return decodeClipboardText(payload)
	case MsgCloseReason:
		return decodeCloseReason(payload)
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMessageType, msgType)
	}
}

// ============================================================================
// Encoding helpers
// ============================================================================

// putString appends a uint16 length prefix and the string bytes.
func putString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// getString reads a uint16 length-prefixed string and advances the offset.
func getString(buf []byte, offset int) (string, int, error) {
	if offset+2 > len(buf) {
		return "", 0, fmt.Errorf("%w: string length truncated", ErrInvalidMessage)
	}
	n := int(binary.BigEndian.Uint16(buf[offset:]))
	offset += 2
	if offset+n > len(buf) {
		return "", 0, fmt.Errorf("%w: string truncated", ErrInvalidMessage)
	}
	return string(buf[offset : offset+n]), offset + n, nil
}

// putBytes appends a uint32 length prefix and the raw bytes.
func putBytes(buf, b []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// getBytes reads a uint32 length-prefixed byte block and advances the offset.
func getBytes(buf []byte, offset int) ([]byte, int, error) {
	if offset+4 > len(buf) {
		return nil, 0, fmt.Errorf("%w: block length truncated", ErrInvalidMessage)
	}
	n := int(binary.BigEndian.Uint32(buf[offset:]))
	offset += 4
	if n > len(buf)-offset {
		return nil, 0, fmt.Errorf("%w: block truncated", ErrInvalidMessage)
	}
	out := make([]byte, n)
	copy(out, buf[offset:offset+n])
	return out, offset + n, nil
}

// ============================================================================
// Rendezvous messages
// ============================================================================

// RegisterDevice announces the device to the rendezvous server. Serial
// increases monotonically so the server can discard stale registrations.
type RegisterDevice struct {
	Serial   uint32
	DeviceID string
}

func (*RegisterDevice) Type() uint8 { return MsgRegisterDevice }

func (m *RegisterDevice) encodePayload() []byte {
	buf := binary.BigEndian.AppendUint32(nil, m.Serial)
	return putString(buf, m.DeviceID)
}

func decodeRegisterDevice(buf []byte) (*RegisterDevice, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("%w: RegisterDevice too short", ErrInvalidMessage)
	}
	m := &RegisterDevice{Serial: binary.BigEndian.Uint32(buf)}
	var err error
	m.DeviceID, _, err = getString(buf, 4)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// RegisterDeviceAck acknowledges a registration.
type RegisterDeviceAck struct {
	Serial uint32
	Result uint8
}

func (*RegisterDeviceAck) Type() uint8 { return MsgRegisterDeviceAck }

func (m *RegisterDeviceAck) encodePayload() []byte {
	buf := binary.BigEndian.AppendUint32(nil, m.Serial)
	return append(buf, m.Result)
}

func decodeRegisterDeviceAck(buf []byte) (*RegisterDeviceAck, error) {
	if len(buf) < 5 {
		return nil, fmt.Errorf("%w: RegisterDeviceAck too short", ErrInvalidMessage)
	}
	return &RegisterDeviceAck{
		Serial: binary.BigEndian.Uint32(buf),
		Result: buf[4],
	}, nil
}

// RegisterPublicKey carries the device's signed public key block: the
// X25519 public key signed by the device's Ed25519 key, alongside the bare
// signing public key for first contact.
type RegisterPublicKey struct {
	Serial      uint32
	DeviceID    string
	SigningKey  [32]byte
	SignedBlock []byte
}

func (*RegisterPublicKey) Type() uint8 { return MsgRegisterPublicKey }

func (m *RegisterPublicKey) encodePayload() []byte {
	buf := binary.BigEndian.AppendUint32(nil, m.Serial)
	buf = putString(buf, m.DeviceID)
	buf = append(buf, m.SigningKey[:]...)
	return putBytes(buf, m.SignedBlock)
}

func decodeRegisterPublicKey(buf []byte) (*RegisterPublicKey, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("%w: RegisterPublicKey too short", ErrInvalidMessage)
	}
	m := &RegisterPublicKey{Serial: binary.BigEndian.Uint32(buf)}

	var err error
	offset := 4
	m.DeviceID, offset, err = getString(buf, offset)
	if err != nil {
		return nil, err
	}
	if offset+32 > len(buf) {
		return nil, fmt.Errorf("%w: RegisterPublicKey signing key truncated", ErrInvalidMessage)
	}
	copy(m.SigningKey[:], buf[offset:offset+32])
	offset += 32

	m.SignedBlock, _, err = getBytes(buf, offset)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// RegisterPublicKeyAck acknowledges a public key registration.
type RegisterPublicKeyAck struct {
	Result uint8
}

func (*RegisterPublicKeyAck) Type() uint8 { return MsgRegisterPublicKeyAck }

func (m *RegisterPublicKeyAck) encodePayload() []byte {
	return []byte{m.Result}
}

func decodeRegisterPublicKeyAck(buf []byte) (*RegisterPublicKeyAck, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("%w: RegisterPublicKeyAck too short", ErrInvalidMessage)
	}
	return &RegisterPublicKeyAck{Result: buf[0]}, nil
}

// RelayPairingRequest is sent by the rendezvous server (UDP) to offer a
// relay session, and by the device to the relay server (TCP) to claim the
// pairing ticket. RelayServer is only set on the UDP leg.
type RelayPairingRequest struct {
	TicketID    [TicketIDSize]byte
	RelayServer string
	DeviceID    string
}

func (*RelayPairingRequest) Type() uint8 { return MsgRelayPairingRequest }

func (m *RelayPairingRequest) encodePayload() []byte {
	buf := make([]byte, TicketIDSize)
	copy(buf, m.TicketID[:])
	buf = putString(buf, m.RelayServer)
	return putString(buf, m.DeviceID)
}

func decodeRelayPairingRequest(buf []byte) (*RelayPairingRequest, error) {
	if len(buf) < TicketIDSize {
		return nil, fmt.Errorf("%w: RelayPairingRequest too short", ErrInvalidMessage)
	}
	m := &RelayPairingRequest{}
	copy(m.TicketID[:], buf[:TicketIDSize])

	var err error
	offset := TicketIDSize
	m.RelayServer, offset, err = getString(buf, offset)
	if err != nil {
		return nil, err
	}
	m.DeviceID, _, err = getString(buf, offset)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// RelayPairingResponse acknowledges a pairing request.
type RelayPairingResponse struct {
	TicketID [TicketIDSize]byte
	Result   uint8
}

func (*RelayPairingResponse) Type() uint8 { return MsgRelayPairingResponse }

func (m *RelayPairingResponse) encodePayload() []byte {
	buf := make([]byte, TicketIDSize+1)
	copy(buf, m.TicketID[:])
	buf[TicketIDSize] = m.Result
	return buf
}

func decodeRelayPairingResponse(buf []byte) (*RelayPairingResponse, error) {
	if len(buf) < TicketIDSize+1 {
		return nil, fmt.Errorf("%w: RelayPairingResponse too short", ErrInvalidMessage)
	}
	m := &RelayPairingResponse{Result: buf[TicketIDSize]}
	copy(m.TicketID[:], buf[:TicketIDSize])
	return m, nil
}

// ConfigUpdate pushes new settings from the directory server. Serial makes
// repeated deliveries idempotent.
type ConfigUpdate struct {
	Serial           uint32
	RendezvousServer string
}

func (*ConfigUpdate) Type() uint8 { return MsgConfigUpdate }

func (m *ConfigUpdate) encodePayload() []byte {
	buf := binary.BigEndian.AppendUint32(nil, m.Serial)
	return putString(buf, m.RendezvousServer)
}

func decodeConfigUpdate(buf []byte) (*ConfigUpdate, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("%w: ConfigUpdate too short", ErrInvalidMessage)
	}
	m := &ConfigUpdate{Serial: binary.BigEndian.Uint32(buf)}
	var err error
	m.RendezvousServer, _, err = getString(buf, 4)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ============================================================================
// Session messages
// ============================================================================

// SignedIdentity is the peer's identity assertion: its Ed25519 public key
// and a signed block whose embedded message must equal the asserted peer ID.
type SignedIdentity struct {
	PeerID     string
	SigningKey [32]byte
	Signed     []byte
}

func (*SignedIdentity) Type() uint8 { return MsgSignedIdentity }

func (m *SignedIdentity) encodePayload() []byte {
	buf := putString(nil, m.PeerID)
	buf = append(buf, m.SigningKey[:]...)
	return putBytes(buf, m.Signed)
}

func decodeSignedIdentity(buf []byte) (*SignedIdentity, error) {
	m := &SignedIdentity{}
	var err error
	offset := 0
	m.PeerID, offset, err = getString(buf, offset)
	if err != nil {
		return nil, err
	}
	if offset+32 > len(buf) {
		return nil, fmt.Errorf("%w: SignedIdentity key truncated", ErrInvalidMessage)
	}
	copy(m.SigningKey[:], buf[offset:offset+32])
	offset += 32
	m.Signed, _, err = getBytes(buf, offset)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// PublicKeyExchange carries one side's X25519 session public key.
type PublicKeyExchange struct {
	PublicKey [32]byte
}

func (*PublicKeyExchange) Type() uint8 { return MsgPublicKeyExchange }

func (m *PublicKeyExchange) encodePayload() []byte {
	buf := make([]byte, 32)
	copy(buf, m.PublicKey[:])
	return buf
}

func decodePublicKeyExchange(buf []byte) (*PublicKeyExchange, error) {
	if len(buf) < 32 {
		return nil, fmt.Errorf("%w: PublicKeyExchange too short", ErrInvalidMessage)
	}
	m := &PublicKeyExchange{}
	copy(m.PublicKey[:], buf[:32])
	return m, nil
}

// PasswordChallenge carries the device-issued salt and challenge.
type PasswordChallenge struct {
	Salt      []byte
	Challenge []byte
}

func (*PasswordChallenge) Type() uint8 { return MsgPasswordChallenge }

func (m *PasswordChallenge) encodePayload() []byte {
	buf := putBytes(nil, m.Salt)
	return putBytes(buf, m.Challenge)
}

func decodePasswordChallenge(buf []byte) (*PasswordChallenge, error) {
	m := &PasswordChallenge{}
	var err error
	offset := 0
	m.Salt, offset, err = getBytes(buf, offset)
	if err != nil {
		return nil, err
	}
	m.Challenge, _, err = getBytes(buf, offset)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// PasswordResponse carries the peer's challenge answer.
type PasswordResponse struct {
	Answer [32]byte
}

func (*PasswordResponse) Type() uint8 { return MsgPasswordResponse }

func (m *PasswordResponse) encodePayload() []byte {
	buf := make([]byte, 32)
	copy(buf, m.Answer[:])
	return buf
}

func decodePasswordResponse(buf []byte) (*PasswordResponse, error) {
	if len(buf) < 32 {
		return nil, fmt.Errorf("%w: PasswordResponse too short", ErrInvalidMessage)
	}
	m := &PasswordResponse{}
	copy(m.Answer[:], buf[:32])
	return m, nil
}

// LoginRequest declares the peer's capabilities and requested session type.
type LoginRequest struct {
	SessionType  uint8
	Name         string
	Capabilities []string
}

func (*LoginRequest) Type() uint8 { return MsgLoginRequest }

func (m *LoginRequest) encodePayload() []byte {
	buf := []byte{m.SessionType}
	buf = putString(buf, m.Name)
	buf = append(buf, uint8(len(m.Capabilities)))
	for _, c := range m.Capabilities {
		buf = putString(buf, c)
	}
	return buf
}

func decodeLoginRequest(buf []byte) (*LoginRequest, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("%w: LoginRequest too short", ErrInvalidMessage)
	}
	m := &LoginRequest{SessionType: buf[0]}

	var err error
	offset := 1
	m.Name, offset, err = getString(buf, offset)
	if err != nil {
		return nil, err
	}

	if offset >= len(buf) {
		return nil, fmt.Errorf("%w: LoginRequest capabilities missing", ErrInvalidMessage)
	}
	count := int(buf[offset])
	offset++

	m.Capabilities = make([]string, 0, count)
	for i := 0; i < count; i++ {
		var cap string
		cap, offset, err = getString(buf, offset)
		if err != nil {
			return nil, err
		}
		m.Capabilities = append(m.Capabilities, cap)
	}
	return m, nil
}

// LoginResponse reports the login outcome. The message is deliberately
// generic so a failed password and an unknown account are indistinguishable.
type LoginResponse struct {
	Success bool
	Message string
}

func (*LoginResponse) Type() uint8 { return MsgLoginResponse }

func (m *LoginResponse) encodePayload() []byte {
	var b uint8
	if m.Success {
		b = 1
	}
	return putString([]byte{b}, m.Message)
}

func decodeLoginResponse(buf []byte) (*LoginResponse, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("%w: LoginResponse too short", ErrInvalidMessage)
	}
	m := &LoginResponse{Success: buf[0] == 1}
	var err error
	m.Message, _, err = getString(buf, 1)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// LatencyProbe is echoed back verbatim so the peer can measure RTT.
type LatencyProbe struct {
	Timestamp uint64
}

func (*LatencyProbe) Type() uint8 { return MsgLatencyProbe }

func (m *LatencyProbe) encodePayload() []byte {
	return binary.BigEndian.AppendUint64(nil, m.Timestamp)
}

func decodeLatencyProbe(buf []byte) (*LatencyProbe, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("%w: LatencyProbe too short", ErrInvalidMessage)
	}
	return &LatencyProbe{Timestamp: binary.BigEndian.Uint64(buf)}, nil
}

// VideoFrame wraps one already-encoded video frame.
type VideoFrame struct {
	Codec uint8
	Flags uint8
	PTS   uint64
	Data  []byte
}

func (*VideoFrame) Type() uint8 { return MsgVideoFrame }

// Keyframe reports whether the frame is a keyframe.
func (m *VideoFrame) Keyframe() bool { return m.Flags&VideoFlagKeyframe != 0 }

func (m *VideoFrame) encodePayload() []byte {
	buf := make([]byte, 10, 10+4+len(m.Data))
	buf[0] = m.Codec
	buf[1] = m.Flags
	binary.BigEndian.PutUint64(buf[2:], m.PTS)
	return putBytes(buf, m.Data)
}

func decodeVideoFrame(buf []byte) (*VideoFrame, error) {
	if len(buf) < 10 {
		return nil, fmt.Errorf("%w: VideoFrame too short", ErrInvalidMessage)
	}
	m := &VideoFrame{
		Codec: buf[0],
		Flags: buf[1],
		PTS:   binary.BigEndian.Uint64(buf[2:]),
	}
	var err error
	m.Data, _, err = getBytes(buf, 10)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// AudioFrame wraps one Opus-encoded audio buffer.
type AudioFrame struct {
	Timestamp uint64
	Data      []byte
}

func (*AudioFrame) Type() uint8 { return MsgAudioFrame }

func (m *AudioFrame) encodePayload() []byte {
	buf := binary.BigEndian.AppendUint64(nil, m.Timestamp)
	return putBytes(buf, m.Data)
}

func decodeAudioFrame(buf []byte) (*AudioFrame, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("%w: AudioFrame too short", ErrInvalidMessage)
	}
	m := &AudioFrame{Timestamp: binary.BigEndian.Uint64(buf)}
	var err error
	m.Data, _, err = getBytes(buf, 8)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// MouseEvent is an inbound pointer event.
type MouseEvent struct {
	Flags   uint8
	X       int32
	Y       int32
	Buttons uint8
	WheelV  int8
	WheelH  int8
}

func (*MouseEvent) Type() uint8 { return MsgMouseEvent }

// Absolute reports whether coordinates are absolute.
func (m *MouseEvent) Absolute() bool { return m.Flags&MouseFlagAbsolute != 0 }

func (m *MouseEvent) encodePayload() []byte {
	buf := make([]byte, 12)
	buf[0] = m.Flags
	binary.BigEndian.PutUint32(buf[1:], uint32(m.X))
	binary.BigEndian.PutUint32(buf[5:], uint32(m.Y))
	buf[9] = m.Buttons
	buf[10] = uint8(m.WheelV)
	buf[11] = uint8(m.WheelH)
	return buf
}

func decodeMouseEvent(buf []byte) (*MouseEvent, error) {
	if len(buf) < 12 {
		return nil, fmt.Errorf("%w: MouseEvent too short", ErrInvalidMessage)
	}
	return &MouseEvent{
		Flags:   buf[0],
		X:       int32(binary.BigEndian.Uint32(buf[1:])),
		Y:       int32(binary.BigEndian.Uint32(buf[5:])),
		Buttons: buf[9],
		WheelV:  int8(buf[10]),
		WheelH:  int8(buf[11]),
	}, nil
}

// KeyEvent is an inbound keyboard event. Key is either a control-key
// enumeration value or a raw USB HID usage code depending on Mode.
type KeyEvent struct {
	Mode      uint8
	Key       uint32
	Modifiers uint8
	Down      bool
}

func (*KeyEvent) Type() uint8 { return MsgKeyEvent }

func (m *KeyEvent) encodePayload() []byte {
	buf := make([]byte, 7)
	buf[0] = m.Mode
	binary.BigEndian.PutUint32(buf[1:], m.Key)
	buf[5] = m.Modifiers
	if m.Down {
		buf[6] = 1
	}
	return buf
}

func decodeKeyEvent(buf []byte) (*KeyEvent, error) {
	if len(buf) < 7 {
		return nil, fmt.Errorf("%w: KeyEvent too short", ErrInvalidMessage)
	}
	return &KeyEvent{
		Mode:      buf[0],
		Key:       binary.BigEndian.Uint32(buf[1:]),
		Modifiers: buf[5],
		Down:      buf[6] == 1,
	}, nil
}

// ClipboardText carries clipboard text toward the device.
type ClipboardText struct {
	Text string
}

func (*ClipboardText) Type() uint8 { return MsgClipboardText }

func (m *ClipboardText) encodePayload() []byte {
	return putBytes(nil, []byte(m.Text))
}

func decodeClipboardText(buf []byte) (*ClipboardText, error) {
	b, _, err := getBytes(buf, 0)
	if err != nil {
		return nil, err
	}
	return &ClipboardText{Text: string(b)}, nil
}

// CloseReason announces why the sender is about to close the connection.
type CloseReason struct {
	Reason string
}

func (*CloseReason) Type() uint8 { return MsgCloseReason }

func (m *CloseReason) encodePayload() []byte {
	return putString(nil, m.Reason)
}

func decodeCloseReason(buf []byte) (*CloseReason, error) {
	m := &CloseReason{}
	var err error
	m.Reason, _, err = getString(buf, 0)
	if err != nil {
		return nil, err
	}
	return m, nil
}
