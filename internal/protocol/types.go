// Package protocol defines the wire protocol for KVM Gate: the rendezvous
// datagram messages, the session message catalogue, and the length-prefixed
// frame codec used on relay connections.
package protocol

// Rendezvous message types (UDP, one message per datagram).
const (
	MsgRegisterDevice       uint8 = 0x01 // Device registration with serial
	MsgRegisterDeviceAck    uint8 = 0x02 // Registration acknowledgement
	MsgRegisterPublicKey    uint8 = 0x03 // Signed public key registration
	MsgRegisterPublicKeyAck uint8 = 0x04 // Public key acknowledgement
	MsgRelayPairingRequest  uint8 = 0x05 // Relay offer (UDP) / pairing claim (TCP)
	MsgRelayPairingResponse uint8 = 0x06 // Pairing acknowledgement
	MsgConfigUpdate         uint8 = 0x07 // Directory pushes new settings
)

// Session message types (TCP via relay, framed).
const (
	MsgSignedIdentity    uint8 = 0x10 // Peer's signed identity assertion
	MsgPublicKeyExchange uint8 = 0x11 // X25519 session public key
	MsgPasswordChallenge uint8 = 0x12 // Salt + challenge from the device
	MsgPasswordResponse  uint8 = 0x13 // Peer's challenge answer
	MsgLoginRequest      uint8 = 0x14 // Capabilities + session type
	MsgLoginResponse     uint8 = 0x15 // Login outcome
	MsgLatencyProbe      uint8 = 0x16 // Echoed verbatim for RTT measurement
	MsgVideoFrame        uint8 = 0x17 // Encoded video, codec-tagged
	MsgAudioFrame        uint8 = 0x18 // Opus audio
	MsgMouseEvent        uint8 = 0x19 // Pointer input
	MsgKeyEvent          uint8 = 0x1A // Keyboard input
	MsgClipboardText     uint8 = 0x1B // Clipboard text toward the device
	MsgCloseReason       uint8 = 0x1C // Reason string before teardown
)

// Registration results for RegisterDeviceAck and RegisterPublicKeyAck.
const (
	RegisterOK         uint8 = 0x00 // Registered
	RegisterNeedPubKey uint8 = 0x01 // Server wants the signed public key first
	RegisterIDTaken    uint8 = 0x02 // Identifier registered to another key
	RegisterRejected   uint8 = 0x03 // Registration refused
)

// Pairing results for RelayPairingResponse.
const (
	PairingOK       uint8 = 0x00 // Peer paired, bytes flow after this message
	PairingTimeout  uint8 = 0x01 // No peer claimed the ticket
	PairingRejected uint8 = 0x02 // Relay refused the ticket
)

// Session types for LoginRequest.
const (
	SessionTypeDesktop  uint8 = 0x00 // Video + audio + input
	SessionTypeViewOnly uint8 = 0x01 // Video + audio, input rejected
)

// Video codec tags for VideoFrame.
const (
	CodecH264 uint8 = 0x01
	CodecH265 uint8 = 0x02
	CodecVP8  uint8 = 0x03
	CodecVP9  uint8 = 0x04
	CodecAV1  uint8 = 0x05
)

// VideoFrame flags.
const (
	VideoFlagKeyframe uint8 = 0x01
)

// MouseEvent flags.
const (
	MouseFlagAbsolute uint8 = 0x01 // Absolute coordinates, else relative deltas
)

// KeyEvent modes.
const (
	KeyModeControl uint8 = 0x00 // Key is a control-key enumeration value
	KeyModeRaw     uint8 = 0x01 // Key is a raw USB HID usage code
)

// TicketIDSize is the size of a relay pairing ticket UUID in bytes.
const TicketIDSize = 16

// MessageTypeName returns a human-readable name for a message type.
func MessageTypeName(t uint8) string {
	switch t {
	case MsgRegisterDevice:
		return "REGISTER_DEVICE"
	case MsgRegisterDeviceAck:
		return "REGISTER_DEVICE_ACK"
	case MsgRegisterPublicKey:
		return "REGISTER_PUBLIC_KEY"
	case MsgRegisterPublicKeyAck:
		return "REGISTER_PUBLIC_KEY_ACK"
	case MsgRelayPairingRequest:
		return "RELAY_PAIRING_REQUEST"
	case MsgRelayPairingResponse:
		return "RELAY_PAIRING_RESPONSE"
	case MsgConfigUpdate:
		return "CONFIG_UPDATE"
	case MsgSignedIdentity:
		return "SIGNED_IDENTITY"
	case MsgPublicKeyExchange:
		return "PUBLIC_KEY_EXCHANGE"
	case MsgPasswordChallenge:
		return "PASSWORD_CHALLENGE"
	case MsgPasswordResponse:
		return "PASSWORD_RESPONSE"
	case MsgLoginRequest:
		return "LOGIN_REQUEST"
	case MsgLoginResponse:
		return "LOGIN_RESPONSE"
	case MsgLatencyProbe:
		return "LATENCY_PROBE"
	case MsgVideoFrame:
		return "VIDEO_FRAME"
	case MsgAudioFrame:
		return "AUDIO_FRAME"
	case MsgMouseEvent:
		return "MOUSE_EVENT"
	case MsgKeyEvent:
		return "KEY_EVENT"
	case MsgClipboardText:
		return "CLIPBOARD_TEXT"
	case MsgCloseReason:
		return "CLOSE_REASON"
	default:
		return "UNKNOWN"
	}
}
