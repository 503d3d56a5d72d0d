// Package clocksync estimates how far the sale server's clock is ahead of
// the local one from a single timed request.
//
// The estimate assumes symmetric transit: the server stamped its reply at
// the midpoint of the round trip. One sample is taken and there is no
// averaging or outlier rejection, so precision is bounded by the asymmetry
// of that one round trip.
package clocksync

import (
	"fmt"
	"time"
)

// Window is what the probe observed. All fields are Unix milliseconds.
type Window struct {
	ServerTime     int64 // server clock reading carried by the response
	ScheduledStart int64 // sale start on the server clock
	SentAt         int64 // local clock just before sending
	ReceivedAt     int64 // local clock just after the body was read
}

// RTT is the measured round trip in milliseconds.
func (w Window) RTT() int64 {
	return w.ReceivedAt - w.SentAt
}

// DefaultMaxRTT is the largest round trip still trusted for an estimate.
const DefaultMaxRTT = 5 * time.Second

// Estimate is the result of Compute.
type Estimate struct {
	// OffsetMillis is server minus local. Zero when Degenerate.
	OffsetMillis int64
	RTTMillis    int64
	Degenerate   bool
	Reason       string
}

// Offset returns the estimate as a duration.
func (e Estimate) Offset() time.Duration {
	return time.Duration(e.OffsetMillis) * time.Millisecond
}

// Compute derives the clock offset:
//
//	offset = ServerTime - (ReceivedAt - RTT/2)
//
// A negative RTT or one above maxRTT yields a zero offset flagged as
// degenerate. maxRTT <= 0 selects DefaultMaxRTT.
func Compute(w Window, maxRTT time.Duration) Estimate {
	if maxRTT <= 0 {
		maxRTT = DefaultMaxRTT
	}

	rtt := w.RTT()
	switch {
	case rtt < 0:
		return Estimate{
			RTTMillis:  rtt,
			Degenerate: true,
			Reason:     fmt.Sprintf("negative round trip %dms, local clock stepped during probe", rtt),
		}
	case rtt > maxRTT.Milliseconds():
		return Estimate{
			RTTMillis:  rtt,
			Degenerate: true,
			Reason:     fmt.Sprintf("round trip %dms exceeds %dms", rtt, maxRTT.Milliseconds()),
		}
	}

	localAtServerStamp := w.ReceivedAt - rtt/2
	return Estimate{
		OffsetMillis: w.ServerTime - localAtServerStamp,
		RTTMillis:    rtt,
	}
}
