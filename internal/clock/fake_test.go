package clock

import (
	"testing"
	"time"
)

func TestFakeAdvanceFiresTimer(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	timer := f.NewTimer(5 * time.Second)

	f.Advance(3 * time.Second)
	select {
	case <-timer.C():
		t.Fatalf("timer fired early")
	default:
	}

	f.Advance(2 * time.Second)
	select {
	case <-timer.C():
	default:
		t.Fatalf("timer did not fire at deadline")
	}
}

func TestFakeResetRearms(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	timer := f.NewTimer(time.Second)
	f.Advance(time.Second)
	<-timer.C()

	timer.Reset(time.Second)
	f.Advance(time.Second)
	select {
	case <-timer.C():
	default:
		t.Fatalf("timer did not re-fire after reset")
	}
}
