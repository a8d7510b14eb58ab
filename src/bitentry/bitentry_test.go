package bitentry

import "testing"

func TestIPTEntryRoundTrip(t *testing.T) {
	e := IPTEntry{}
	e = e.SetValid(true).SetChain(true).SetKernel(true).SetVPN(0xABCDE).SetNext(0x12345).SetPID(0x2A)

	if !e.Valid() {
		t.Error("expected valid bit set")
	}
	if !e.Chain() {
		t.Error("expected chain bit set")
	}
	if !e.Kernel() {
		t.Error("expected kernel bit set")
	}
	if got, want := e.VPN(), uint32(0xABCDE); got != want {
		t.Errorf("VPN() = %#x, want %#x", got, want)
	}
	if got, want := e.Next(), uint32(0x12345); got != want {
		t.Errorf("Next() = %#x, want %#x", got, want)
	}
	if got, want := e.PID(), uint32(0x2A); got != want {
		t.Errorf("PID() = %#x, want %#x", got, want)
	}
}

func TestIPTEntrySettersPreserveOtherFields(t *testing.T) {
	e := IPTEntry{}.SetValid(true).SetVPN(0x111).SetPID(3)
	e = e.SetKernel(true)
	if !e.Valid() || e.VPN() != 0x111 || e.PID() != 3 {
		t.Fatalf("SetKernel clobbered unrelated fields: %+v", e)
	}
	e = e.SetValid(false)
	if e.Kernel() == false {
		t.Fatal("SetValid(false) clobbered kernel bit")
	}
	if e.VPN() != 0x111 || e.PID() != 3 {
		t.Fatalf("SetValid clobbered unrelated fields: %+v", e)
	}
}

func TestIPTEntryClear(t *testing.T) {
	e := IPTEntry{}.SetValid(true).SetChain(true).SetVPN(1).SetPID(1).SetNext(1)
	e = e.Clear()
	if e != (IPTEntry{}) {
		t.Fatalf("Clear() = %+v, want zero value", e)
	}
}

func TestIPTEntryFieldOverflowMasked(t *testing.T) {
	e := IPTEntry{}.SetVPN(0xFFFFFFFF).SetPID(0xFF).SetNext(0xFFFFFFFF)
	if got, want := e.VPN(), uint32(0xFFFFF); got != want {
		t.Errorf("VPN() = %#x, want masked %#x", got, want)
	}
	if got, want := e.PID(), uint32(0x3F); got != want {
		t.Errorf("PID() = %#x, want masked %#x", got, want)
	}
	if got, want := e.Next(), uint32(0xFFFFF); got != want {
		t.Errorf("Next() = %#x, want masked %#x", got, want)
	}
}

func TestSTEntryRoundTrip(t *testing.T) {
	e := STEntry{}
	e = e.SetSwapped(true).SetChain(true).SetHasPrev(true).SetVPN(0x54321).SetPID(0x1F)
	e.Next = 7
	e.Prev = 3

	if !e.Swapped() {
		t.Error("expected swapped bit set")
	}
	if !e.Chain() {
		t.Error("expected chain bit set")
	}
	if !e.HasPrev() {
		t.Error("expected has_prev bit set")
	}
	if got, want := e.VPN(), uint32(0x54321); got != want {
		t.Errorf("VPN() = %#x, want %#x", got, want)
	}
	if got, want := e.PID(), uint32(0x1F); got != want {
		t.Errorf("PID() = %#x, want %#x", got, want)
	}
	if e.Next != 7 || e.Prev != 3 {
		t.Errorf("Next/Prev = %d/%d, want 7/3", e.Next, e.Prev)
	}
}

func TestSTEntrySettersPreserveOtherFields(t *testing.T) {
	e := STEntry{}.SetSwapped(true).SetVPN(0x222).SetPID(5)
	e = e.SetChain(true)
	if !e.Swapped() || e.VPN() != 0x222 || e.PID() != 5 {
		t.Fatalf("SetChain clobbered unrelated fields: %+v", e)
	}
}
