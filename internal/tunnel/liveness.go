package tunnel

import (
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
)

// tokenWindow bounds the millisecond counter PING payloads carry so it
// fits the 8 ASCII bytes spec.md calls for; it wraps roughly every 27.7
// hours, which never matters for a single round trip's RTT.
const tokenWindow = int64(100000000)

// ErrBadToken is returned by RTT when a PONG payload isn't an 8-byte
// decimal token this client could have produced.
var ErrBadToken = errors.New("tunnel: malformed ping token")

// PingToken encodes the current time as an 8-byte ASCII decimal token,
// the "opaque echo token" spec.md §3 assigns to PING/PONG payloads.
func PingToken(now time.Time) []byte {
	ms := now.UnixMilli() % tokenWindow
	return []byte(pad8(ms))
}

func pad8(v int64) string {
	s := strconv.FormatInt(v, 10)
	for len(s) < 8 {
		s = "0" + s
	}
	return s
}

// RTT computes the round trip time between when token was minted (by
// PingToken) and now, accounting for the token's wraparound window.
func RTT(token []byte, now time.Time) (time.Duration, error) {
	if len(token) != 8 {
		return 0, errors.Wrapf(ErrBadToken, "length %d", len(token))
	}
	sent, err := strconv.ParseInt(string(token), 10, 64)
	if err != nil {
		return 0, errors.Wrap(ErrBadToken, err.Error())
	}

	nowMs := now.UnixMilli() % tokenWindow
	delta := nowMs - sent
	if delta < 0 {
		delta += tokenWindow
	}
	return time.Duration(delta) * time.Millisecond, nil
}

// RTTBand is one entry of the liveness color scale the UI collaborator
// renders a ping indicator from.
type RTTBand struct {
	Label string
	Paint func(format string, a ...interface{}) string
}

var rttBands = []struct {
	ceiling time.Duration
	band    RTTBand
}{
	{30 * time.Millisecond, RTTBand{"light-green", color.HiGreenString}},
	{60 * time.Millisecond, RTTBand{"green", color.GreenString}},
	{120 * time.Millisecond, RTTBand{"yellow", color.YellowString}},
	{160 * time.Millisecond, RTTBand{"orange", color.HiYellowString}},
	{200 * time.Millisecond, RTTBand{"red", color.RedString}},
	{300 * time.Millisecond, RTTBand{"dark-red", color.HiRedString}},
	{400 * time.Millisecond, RTTBand{"maroon", color.HiMagentaString}},
}

// ClassifyRTT maps rtt onto the color band the UI collaborator shows
// for the ping indicator. Bands are <30, <60, <120, <160, <200, <300,
// <400, else, matching spec.md §4.6.
func ClassifyRTT(rtt time.Duration) RTTBand {
	for _, b := range rttBands {
		if rtt < b.ceiling {
			return b.band
		}
	}
	return RTTBand{"grey", color.New(color.FgHiBlack).SprintfFunc()}
}
