// Package keypress implements the Keypress Decoder (C6): a byte-to-key
// state machine handling bracketed-paste framing, the extended-keyboard
// CSI protocol, and the backslash-enter timing window.
//
// No file in the retrieval pack performs raw keypress decoding — the
// teacher's TUI delegates entirely to charm.land/bubbletea/v2's
// tea.KeyPressMsg, which abstracts this away (internal/tui/update_keypress.go).
// This package is therefore built from the state-machine design in
// spec.md §9 ("a pure state machine mapping (state, byte) -> (state',
// emit?) is preferred"); the transition table and CSI parsing are new,
// justified in DESIGN.md, and documented there rather than reusing a
// dependency, since the pack's only CSI-adjacent library
// (charm.land/bubbletea/v2, via github.com/charmbracelet/x/ansi) hides
// this exact state machine behind tea.KeyPressMsg instead of exposing it.
package keypress

import (
	"strconv"
	"strings"
	"time"
)

// Key is an immutable snapshot produced by the decoder (§3 "Key Event").
type Key struct {
	Name             string
	Ctrl             bool
	Meta             bool
	Shift            bool
	Paste            bool
	Sequence         string
	ExtendedProtocol bool
}

const (
	maxExtendedBufferBytes = 256
	backslashEnterWindow   = 25 * time.Millisecond
)

type decoderState int

const (
	stateNormal decoderState = iota
	stateEscape
	stateCSI
	statePaste
	stateHeldBackslash
)

// OverflowEvent is logged (not emitted as a Key) when the extended-keyboard
// buffer exceeds its cap (§4.6.2, §8.3).
type OverflowEvent struct {
	TruncatedPrefix string
}

// Decoder is single-threaded and cooperative: Feed is called with each
// incoming byte (or batch of bytes) and returns the Keys recognized so
// far. Clock is injectable for deterministic tests of the backslash-enter
// window.
type Decoder struct {
	state       decoderState
	csiBuf      strings.Builder
	pasteBuf    strings.Builder
	heldBackslashAt time.Time

	ExtendedProtocolEnabled bool
	OnOverflow              func(OverflowEvent)
	Now                     func() time.Time
}

func New() *Decoder {
	return &Decoder{Now: time.Now}
}

const (
	csiStart  = "\x1b["
	pasteStartSeq = "\x1b[200~"
	pasteEndSeq   = "\x1b[201~"
)

// Feed processes a raw byte chunk and returns the Key events it produced.
// It implements the arrow-key bypass (§4.6.5: arrow keys never accumulate
// into the CSI buffer) and Ctrl-C preemption (§4.6.4: discards any
// in-progress buffer and delivers immediately) before falling through to
// the bracketed-paste and extended-protocol handling.
func (d *Decoder) Feed(data []byte) []Key {
	var out []Key
	i := 0
	for i < len(data) {
		b := data[i]

		if d.state == statePaste {
			end, consumed := d.feedPasteByte(data[i:])
			if end != nil {
				out = append(out, *end)
			}
			i += consumed
			continue
		}

		if d.state == stateHeldBackslash {
			key, consumed, handled := d.resolveHeldBackslash(data[i:])
			if key != nil {
				out = append(out, *key)
			}
			if handled {
				i += consumed
				continue
			}
		}

		if isCtrlC(data[i:]) {
			d.reset()
			out = append(out, Key{Name: "c", Ctrl: true})
			i++
			continue
		}

		if d.state == stateNormal && b == '\\' {
			d.state = stateHeldBackslash
			d.heldBackslashAt = d.Now()
			i++
			continue
		}

		if d.state == stateNormal && strings.HasPrefix(string(data[i:]), pasteStartSeq) {
			d.state = statePaste
			d.pasteBuf.Reset()
			i += len(pasteStartSeq)
			continue
		}

		if d.state == stateNormal && strings.HasPrefix(string(data[i:]), csiStart) {
			if name, consumed, isArrow := matchArrowKey(data[i:]); isArrow {
				out = append(out, Key{Name: name})
				i += consumed
				continue
			}
			if d.ExtendedProtocolEnabled {
				d.state = stateCSI
				d.csiBuf.Reset()
				d.csiBuf.WriteString(csiStart)
				i += len(csiStart)
				continue
			}
		}

		if d.state == stateCSI {
			d.csiBuf.WriteByte(b)
			i++
			if key, complete := tryParseExtendedKey(d.csiBuf.String()); complete {
				if key != nil {
					out = append(out, *key)
				}
				d.state = stateNormal
				d.csiBuf.Reset()
				continue
			}
			if d.csiBuf.Len() > maxExtendedBufferBytes {
				if d.OnOverflow != nil {
					d.OnOverflow(OverflowEvent{TruncatedPrefix: d.csiBuf.String()})
				}
				d.state = stateNormal
				d.csiBuf.Reset()
			}
			continue
		}

		// Plain byte in normal state: emit as a literal single-rune key.
		out = append(out, Key{Name: string(rune(b))})
		i++
	}
	return out
}

// Flush is called on stream end: whatever is buffered mid-paste is
// flushed as a paste key (§4.6.1, §8.3); a held backslash with no
// following return is flushed as a literal backslash.
func (d *Decoder) Flush() []Key {
	var out []Key
	if d.state == statePaste {
		out = append(out, Key{Paste: true, Sequence: d.pasteBuf.String()})
		d.pasteBuf.Reset()
	}
	if d.state == stateHeldBackslash {
		out = append(out, Key{Name: "\\"})
	}
	d.reset()
	return out
}

// PollBackslashTimeout should be called periodically (or driven by a
// timer) so a held backslash flushes after the ~25ms window even with no
// further input arriving (§4.6.3, §5 "the backslash timer").
func (d *Decoder) PollBackslashTimeout() *Key {
	if d.state != stateHeldBackslash {
		return nil
	}
	if d.Now().Sub(d.heldBackslashAt) < backslashEnterWindow {
		return nil
	}
	d.state = stateNormal
	return &Key{Name: "\\"}
}

func (d *Decoder) reset() {
	d.state = stateNormal
	d.csiBuf.Reset()
	d.pasteBuf.Reset()
}

func (d *Decoder) feedPasteByte(rest []byte) (*Key, int) {
	if strings.HasPrefix(string(rest), pasteEndSeq) {
		key := Key{Paste: true, Sequence: d.pasteBuf.String()}
		d.pasteBuf.Reset()
		d.state = stateNormal
		return &key, len(pasteEndSeq)
	}
	d.pasteBuf.WriteByte(rest[0])
	return nil, 1
}

// resolveHeldBackslash implements §4.6.3: if 'return' arrives within the
// window, emit a shift-enter key; otherwise flush the held backslash and
// re-process the current byte as normal input.
func (d *Decoder) resolveHeldBackslash(rest []byte) (*Key, int, bool) {
	withinWindow := d.Now().Sub(d.heldBackslashAt) < backslashEnterWindow
	if !withinWindow {
		d.state = stateNormal
		return &Key{Name: "\\"}, 0, false
	}
	if rest[0] == '\r' || rest[0] == '\n' {
		d.state = stateNormal
		return &Key{Name: "return", Shift: true, Sequence: "\\\r"}, 1, true
	}
	// Any other byte while still in-window: flush the backslash, then
	// let the normal-state path re-handle this byte.
	d.state = stateNormal
	return &Key{Name: "\\"}, 0, false
}

func isCtrlC(rest []byte) bool {
	return len(rest) > 0 && rest[0] == 0x03
}

var arrowKeys = map[byte]string{'A': "up", 'B': "down", 'C': "right", 'D': "left"}

// matchArrowKey recognizes the plain CSI arrow-key sequences (ESC [ A/B/C/D)
// so they can bypass extended-protocol buffering entirely (§4.6.5).
func matchArrowKey(rest []byte) (name string, consumed int, ok bool) {
	if len(rest) < 3 {
		return "", 0, false
	}
	if rest[0] != 0x1b || rest[1] != '[' {
		return "", 0, false
	}
	if name, known := arrowKeys[rest[2]]; known {
		return name, 3, true
	}
	return "", 0, false
}

var extendedKeyNames = map[int]string{
	27:    "escape",
	13:    "return",
	57414: "kp_enter",
}

// tryParseExtendedKey implements §4.6.2: ESC [ <keycode>(;<modifiers>)?
// (u|~). Returns (nil, false) while the buffer is still a partial prefix;
// (key, true) once a full sequence terminator is seen, where key may be
// nil if the sequence didn't resolve to a recognized logical key (it is
// still considered "complete" and consumed).
func tryParseExtendedKey(buf string) (*Key, bool) {
	if !strings.HasPrefix(buf, csiStart) {
		return nil, true // shouldn't happen; treat as complete/drop
	}
	body := buf[len(csiStart):]
	if body == "" {
		return nil, false
	}
	last := body[len(body)-1]
	if last != 'u' && last != '~' {
		// still accumulating, unless a clearly invalid byte appears
		if !isExtendedBodyByte(last) {
			return nil, true
		}
		return nil, false
	}

	params := body[:len(body)-1]
	fields := strings.SplitN(params, ";", 2)
	keycode, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, true
	}

	var modBits int
	if len(fields) == 2 {
		if m, err := strconv.Atoi(fields[1]); err == nil {
			modBits = m - 1
		}
	}

	name, known := extendedKeyNames[keycode]
	if !known {
		if keycode >= 97 && keycode <= 122 {
			name = "ctrl+" + string(rune(keycode))
		} else {
			return nil, true
		}
	}

	key := &Key{
		Name:             name,
		Shift:            modBits&1 != 0,
		Meta:             modBits&2 != 0,
		Ctrl:             modBits&4 != 0,
		Sequence:         buf,
		ExtendedProtocol: true,
	}
	return key, true
}

func isExtendedBodyByte(b byte) bool {
	return (b >= '0' && b <= '9') || b == ';'
}
