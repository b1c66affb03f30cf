package lifecycle

import "testing"

func TestDraining_DefaultFalse(t *testing.T) {
	resetDrain()
	if Draining() {
		t.Error("Draining() = true, want false by default")
	}
}

func TestBeginDrain(t *testing.T) {
	defer resetDrain()
	BeginDrain()
	if !Draining() {
		t.Error("Draining() = false after BeginDrain(), want true")
	}
	BeginDrain()
	if !Draining() {
		t.Error("Draining() = false after repeated BeginDrain(), want true")
	}
}
