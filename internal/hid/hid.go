// Package hid translates inbound wire input events into the device's
// normalized HID event types, expressed as USB HID usage codes. The
// translation is inbound only; this endpoint never originates input.
package hid

import (
	"errors"
	"fmt"

	"github.com/kvmgate/kvmgate/internal/protocol"
)

// Modifier bits, matching the USB HID boot keyboard report layout.
const (
	ModLeftCtrl   uint8 = 0x01
	ModLeftShift  uint8 = 0x02
	ModLeftAlt    uint8 = 0x04
	ModLeftGUI    uint8 = 0x08
	ModRightCtrl  uint8 = 0x10
	ModRightShift uint8 = 0x20
	ModRightAlt   uint8 = 0x40
	ModRightGUI   uint8 = 0x80
)

// Modifier usage codes occupy 0xE0..0xE7 on the keyboard usage page.
const (
	usageModifierFirst uint16 = 0xE0
	usageModifierLast  uint16 = 0xE7
)

// ErrUnknownControlKey is returned for control-key values outside the
// supported enumeration.
var ErrUnknownControlKey = errors.New("unknown control key")

// KeyboardEvent is the device's internal keyboard event: a USB HID usage
// code plus the full modifier context at the time of the event.
type KeyboardEvent struct {
	Usage     uint16
	Modifiers uint8
	Down      bool
}

// PointerEvent is the device's internal pointer event.
type PointerEvent struct {
	Absolute bool
	X        int32
	Y        int32
	Buttons  uint8
	WheelV   int8
	WheelH   int8
}

// Sink accepts translated HID events. Implemented by the USB/PS2 emulation
// layer; it must be safe for concurrent use by multiple sessions.
type Sink interface {
	SendKeyboard(ev KeyboardEvent) error
	SendPointer(ev PointerEvent) error
}

// Control-key enumeration values used by the wire protocol for
// non-printable keys.
const (
	CtrlKeyEnter uint32 = iota + 1
	CtrlKeyEscape
	CtrlKeyBackspace
	CtrlKeyTab
	CtrlKeySpace
	CtrlKeyCapsLock
	CtrlKeyInsert
	CtrlKeyDelete
	CtrlKeyHome
	CtrlKeyEnd
	CtrlKeyPageUp
	CtrlKeyPageDown
	CtrlKeyUp
	CtrlKeyDown
	CtrlKeyLeft
	CtrlKeyRight
	CtrlKeyF1
	CtrlKeyF2
	CtrlKeyF3
	CtrlKeyF4
	CtrlKeyF5
	CtrlKeyF6
	CtrlKeyF7
	CtrlKeyF8
	CtrlKeyF9
	CtrlKeyF10
	CtrlKeyF11
	CtrlKeyF12
	CtrlKeyPrintScreen
	CtrlKeyScrollLock
	CtrlKeyPause
	CtrlKeyNumLock
	CtrlKeyLeftCtrl
	CtrlKeyLeftShift
	CtrlKeyLeftAlt
	CtrlKeyLeftGUI
	CtrlKeyRightCtrl
	CtrlKeyRightShift
	CtrlKeyRightAlt
	CtrlKeyRightGUI
)

// controlKeyUsages maps the wire control-key enumeration to USB HID usage
// codes on the keyboard usage page.
var controlKeyUsages = map[uint32]uint16{
	CtrlKeyEnter:       0x28,
	CtrlKeyEscape:      0x29,
	CtrlKeyBackspace:   0x2A,
	CtrlKeyTab:         0x2B,
	CtrlKeySpace:       0x2C,
	CtrlKeyCapsLock:    0x39,
	CtrlKeyF1:          0x3A,
	CtrlKeyF2:          0x3B,
	CtrlKeyF3:          0x3C,
	CtrlKeyF4:          0x3D,
	CtrlKeyF5:          0x3E,
	CtrlKeyF6:          0x3F,
	CtrlKeyF7:          0x40,
	CtrlKeyF8:          0x41,
	CtrlKeyF9:          0x42,
	CtrlKeyF10:         0x43,
	CtrlKeyF11:         0x44,
	CtrlKeyF12:         0x45,
	CtrlKeyPrintScreen: 0x46,
	CtrlKeyScrollLock:  0x47,
	CtrlKeyPause:       0x48,
	CtrlKeyInsert:      0x49,
	CtrlKeyHome:        0x4A,
	CtrlKeyPageUp:      0x4B,
	CtrlKeyDelete:      0x4C,
	CtrlKeyEnd:         0x4D,
	CtrlKeyPageDown:    0x4E,
	CtrlKeyRight:       0x4F,
	CtrlKeyLeft:        0x50,
	CtrlKeyDown:        0x51,
	CtrlKeyUp:          0x52,
	CtrlKeyNumLock:     0x53,
	CtrlKeyLeftCtrl:    0xE0,
	CtrlKeyLeftShift:   0xE1,
	CtrlKeyLeftAlt:     0xE2,
	CtrlKeyLeftGUI:     0xE3,
	CtrlKeyRightCtrl:   0xE4,
	CtrlKeyRightShift:  0xE5,
	CtrlKeyRightAlt:    0xE6,
	CtrlKeyRightGUI:    0xE7,
}

// Adapter translates wire input events into internal HID events. It tracks
// which of the 8 standard modifiers are held, because individual key
// messages do not reliably repeat the full modifier context. One adapter
// belongs to one session; a new session starts with a clean mask.
type Adapter struct {
	mods uint8
}

// NewAdapter creates an adapter with no modifiers held.
func NewAdapter() *Adapter {
	return &Adapter{}
}

// Modifiers returns the currently tracked modifier mask.
func (a *Adapter) Modifiers() uint8 { return a.mods }

// TranslateKey converts a wire key event into an internal keyboard event.
// Modifier keys update the tracked mask; every emitted event carries the
// tracked mask folded with whatever context the wire event declared.
func (a *Adapter) TranslateKey(ev *protocol.KeyEvent) (KeyboardEvent, error) {
	var usage uint16
	switch ev.Mode {
	case protocol.KeyModeControl:
		u, ok := controlKeyUsages[ev.Key]
		if !ok {
			return KeyboardEvent{}, fmt.Errorf("%w: %d", ErrUnknownControlKey, ev.Key)
		}
		usage = u
	case protocol.KeyModeRaw:
		if ev.Key == 0 || ev.Key > 0xFFFF {
			return KeyboardEvent{}, fmt.Errorf("%w: raw keycode %d out of range", ErrUnknownControlKey, ev.Key)
		}
		usage = uint16(ev.Key)
	default:
		return KeyboardEvent{}, fmt.Errorf("%w: key mode %d", ErrUnknownControlKey, ev.Mode)
	}

	if bit, ok := modifierBit(usage); ok {
		if ev.Down {
			a.mods |= bit
		} else {
			a.mods &^= bit
		}
	}

	return KeyboardEvent{
		Usage:     usage,
		Modifiers: a.mods | ev.Modifiers,
		Down:      ev.Down,
	}, nil
}

// TranslateMouse converts a wire mouse event into an internal pointer event.
func (a *Adapter) TranslateMouse(ev *protocol.MouseEvent) PointerEvent {
	return PointerEvent{
		Absolute: ev.Absolute(),
		X:        ev.X,
		Y:        ev.Y,
		Buttons:  ev.Buttons,
		WheelV:   ev.WheelV,
		WheelH:   ev.WheelH,
	}
}

// Reset returns explicit release events for every modifier the adapter
// believes is still held, and clears the mask. Called when an event stream
// ends so a dropped connection cannot leave a modifier stuck down.
func (a *Adapter) Reset() []KeyboardEvent {
	if a.mods == 0 {
		return nil
	}

	var releases []KeyboardEvent
	for i := 0; i < 8; i++ {
		bit := uint8(1) << i
		if a.mods&bit == 0 {
			continue
		}
		a.mods &^= bit
		releases = append(releases, KeyboardEvent{
			Usage:     usageModifierFirst + uint16(i),
			Modifiers: a.mods,
			Down:      false,
		})
	}
	return releases
}

// modifierBit maps a modifier usage code to its mask bit.
func modifierBit(usage uint16) (uint8, bool) {
	if usage < usageModifierFirst || usage > usageModifierLast {
		return 0, false
	}
	return uint8(1) << (usage - usageModifierFirst), true
}

// DiscardSink drops all events. Useful in tests and when the emulation
// layer is not attached.
type DiscardSink struct{}

func (DiscardSink) SendKeyboard(KeyboardEvent) error { return nil }
func (DiscardSink) SendPointer(PointerEvent) error   { return nil }
