package keypress

import (
	"testing"
	"time"
)

func TestBracketedPasteMultiline(t *testing.T) {
	d := New()
	input := []byte("\x1b[200~a\nb\nc\x1b[201~")
	keys := d.Feed(input)

	if len(keys) != 1 {
		t.Fatalf("expected exactly one key, got %d: %+v", len(keys), keys)
	}
	if !keys[0].Paste || keys[0].Sequence != "a\nb\nc" {
		t.Fatalf("expected paste key with sequence 'a\\nb\\nc', got %+v", keys[0])
	}
}

func TestPasteWithoutTerminatorFlushesOnStreamEnd(t *testing.T) {
	d := New()
	d.Feed([]byte("\x1b[200~partial"))
	keys := d.Flush()

	if len(keys) != 1 || !keys[0].Paste || keys[0].Sequence != "partial" {
		t.Fatalf("expected a single flushed partial paste key, got %+v", keys)
	}
}

func TestCtrlCPreemptsBuffering(t *testing.T) {
	d := New()
	d.ExtendedProtocolEnabled = true
	d.Feed([]byte("\x1b[57"))
	keys := d.Feed([]byte{0x03})

	if len(keys) != 1 || !keys[0].Ctrl || keys[0].Name != "c" {
		t.Fatalf("expected immediate ctrl+c key, got %+v", keys)
	}
	if d.state != stateNormal {
		t.Fatalf("expected buffer discarded back to normal state")
	}
}

func TestArrowKeyBypassesExtendedBuffering(t *testing.T) {
	d := New()
	d.ExtendedProtocolEnabled = true
	keys := d.Feed([]byte("\x1b[A"))

	if len(keys) != 1 || keys[0].Name != "up" {
		t.Fatalf("expected single 'up' key, got %+v", keys)
	}
	if d.csiBuf.Len() != 0 {
		t.Fatalf("expected arrow key to never enter the CSI buffer")
	}
}

func TestExtendedKeyboardProtocolParsesModifiers(t *testing.T) {
	d := New()
	d.ExtendedProtocolEnabled = true
	// keycode 99 ('c'), modifiers-1 = 4 (ctrl) -> modifiers field = 5
	keys := d.Feed([]byte("\x1b[99;5u"))

	if len(keys) != 1 {
		t.Fatalf("expected one key, got %+v", keys)
	}
	if !keys[0].Ctrl || keys[0].Name != "ctrl+c" {
		t.Fatalf("expected ctrl+c, got %+v", keys[0])
	}
}

func TestExtendedBufferOverflowFlushesAndRecovers(t *testing.T) {
	d := New()
	d.ExtendedProtocolEnabled = true
	var overflowed bool
	d.OnOverflow = func(OverflowEvent) { overflowed = true }

	junk := make([]byte, maxExtendedBufferBytes+10)
	for i := range junk {
		junk[i] = '0'
	}
	d.Feed(append([]byte("\x1b["), junk...))

	if !overflowed {
		t.Fatalf("expected overflow callback to fire")
	}
	if d.state != stateNormal {
		t.Fatalf("expected state reset to normal after overflow")
	}

	keys := d.Feed([]byte("x"))
	if len(keys) != 1 || keys[0].Name != "x" {
		t.Fatalf("expected normal processing to resume after overflow, got %+v", keys)
	}
}

func TestBackslashEnterWindowEmitsShiftReturn(t *testing.T) {
	d := New()
	keys := d.Feed([]byte("\\"))
	if len(keys) != 0 {
		t.Fatalf("expected backslash to be held, not emitted yet")
	}
	keys = d.Feed([]byte("\r"))
	if len(keys) != 1 || keys[0].Name != "return" || !keys[0].Shift {
		t.Fatalf("expected shift-return within window, got %+v", keys)
	}
}

func TestBackslashTimeoutFlushesWhenReturnNeverArrives(t *testing.T) {
	base := time.Now()
	clock := base
	d := New()
	d.Now = func() time.Time { return clock }

	d.Feed([]byte("\\"))
	clock = base.Add(30 * time.Millisecond)

	key := d.PollBackslashTimeout()
	if key == nil || key.Name != "\\" {
		t.Fatalf("expected backslash flushed after timeout, got %+v", key)
	}
}
