package tunnel

import (
	"testing"
	"time"
)

func TestPingTokenRTTRoundTrip(t *testing.T) {
	sentAt := time.Now()
	token := PingToken(sentAt)

	rtt, err := RTT(token, sentAt.Add(12*time.Millisecond))
	if err != nil {
		t.Fatalf("RTT: %v", err)
	}
	if rtt < 10*time.Millisecond || rtt > 20*time.Millisecond {
		t.Fatalf("rtt = %s, want ~12ms", rtt)
	}
}

func TestRTTRejectsMalformedToken(t *testing.T) {
	if _, err := RTT([]byte("short"), time.Now()); err == nil {
		t.Fatalf("expected error for short token")
	}
	if _, err := RTT([]byte("notdigit"), time.Now()); err == nil {
		t.Fatalf("expected error for non-numeric token")
	}
}

func TestClassifyRTT(t *testing.T) {
	cases := []struct {
		rtt   time.Duration
		label string
	}{
		{12 * time.Millisecond, "light-green"},
		{45 * time.Millisecond, "green"},
		{100 * time.Millisecond, "yellow"},
		{150 * time.Millisecond, "orange"},
		{190 * time.Millisecond, "red"},
		{250 * time.Millisecond, "dark-red"},
		{350 * time.Millisecond, "maroon"},
		{time.Second, "grey"},
	}
	for _, c := range cases {
		if got := ClassifyRTT(c.rtt).Label; got != c.label {
			t.Errorf("ClassifyRTT(%s) = %q, want %q", c.rtt, got, c.label)
		}
	}
}
