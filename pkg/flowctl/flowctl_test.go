package flowctl

import "testing"

func TestSendQuotaRespectsMinOfFlowAndCongestion(t *testing.T) {
	c := New(100)
	c.OnFlowFrame(50) // peer window smaller than cwnd (400)
	if got := c.SendQuota(); got != 50 {
		t.Fatalf("expected quota bounded by flow window, got %d", got)
	}
}

func TestSendQuotaAccountsForInFlight(t *testing.T) {
	c := New(100)
	c.OnFlowFrame(1000)
	c.OnSend(390)
	if got := c.SendQuota(); got != 10 {
		t.Fatalf("expected 10 bytes remaining quota, got %d", got)
	}
}

func TestFiveConsecutiveZeroWindowsForceTermination(t *testing.T) {
	c := New(100)
	var term bool
	for i := 0; i < 5; i++ {
		term = c.OnFlowFrame(0)
	}
	if !term {
		t.Fatalf("expected termination after 5 consecutive zero windows")
	}
}

func TestNonZeroWindowResetsZeroStreak(t *testing.T) {
	c := New(100)
	c.OnFlowFrame(0)
	c.OnFlowFrame(0)
	c.OnFlowFrame(10) // resets the streak
	term := c.OnFlowFrame(0)
	if term {
		t.Fatalf("streak should have reset, should not terminate yet")
	}
}

func TestFastRetransmitHalvesWindow(t *testing.T) {
	c := New(100)
	c.cwnd = 800
	c.OnFastRetransmit()
	if c.cwnd != 400 || c.ssthresh != 400 {
		t.Fatalf("expected cwnd=ssthresh=400, got cwnd=%d ssthresh=%d", c.cwnd, c.ssthresh)
	}
}

func TestRetransmitTimeoutResetsToOneMSS(t *testing.T) {
	c := New(100)
	c.cwnd = 800
	c.OnRetransmitTimeout()
	if c.cwnd != 100 {
		t.Fatalf("expected cwnd reset to 1 MSS (100), got %d", c.cwnd)
	}
}
