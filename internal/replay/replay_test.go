package replay

import "testing"

func TestFilterDuplicates(t *testing.T) {
	var f Filter
	if !f.Accept(1) {
		t.Fatalf("first use of 1 rejected")
	}
	if f.Accept(1) {
		t.Fatalf("duplicate 1 accepted")
	}
	if !f.Accept(5) {
		t.Fatalf("first use of 5 rejected")
	}
	if !f.Accept(2) {
		t.Fatalf("in-window 2 rejected")
	}
	if f.Accept(2) {
		t.Fatalf("duplicate 2 accepted")
	}
}

func TestFilterWindow(t *testing.T) {
	var f Filter
	if !f.Accept(windowSize + 100) {
		t.Fatalf("jump ahead rejected")
	}
	if f.Accept(50) {
		t.Fatalf("behind-window packet accepted")
	}
	if !f.Accept(windowSize + 99) {
		t.Fatalf("in-window packet rejected")
	}
}

func TestFilterLimit(t *testing.T) {
	var f Filter
	if f.Accept(RejectAfterPackets) {
		t.Fatalf("packet number at limit accepted")
	}
	if !f.Accept(RejectAfterPackets - 1) {
		t.Fatalf("packet number below limit rejected")
	}
}

func TestFilterReset(t *testing.T) {
	var f Filter
	f.Accept(10)
	f.Reset()
	if !f.Accept(10) {
		t.Fatalf("packet rejected after reset")
	}
}
