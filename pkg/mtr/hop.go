// Package mtr parses the report output of the mtr network diagnostic tool.
//
// mtr builds disagree on what they print for --json: recent versions emit a
// JSON document, older ones ignore the flag and fall back to the columnar
// text report. Parse accepts both, trying the structured form first.
//
// Example Usage:
//
//	hops, err := mtr.Parse(output)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, h := range hops {
//	    fmt.Printf("%2d. %-40s %5.1f%% %6.1fms\n", h.Hop, h.Host, h.Loss, h.Avg)
//	}
package mtr

// UnknownHost is reported for hops that did not answer or were not resolved.
const UnknownHost = "???"

// HopRecord is one line of an mtr report.
type HopRecord struct {
	// Hop is the 1-based position on the path.
	Hop int `json:"hop"`
	// Host is the resolved name or address, or UnknownHost.
	Host string `json:"host"`
	// Loss is the packet loss percentage (0-100).
	Loss float64 `json:"loss"`
	// Sent is the number of probes sent to this hop.
	Sent int `json:"sent"`
	// Last, Avg, Best and Worst are round-trip times in milliseconds.
	Last  float64 `json:"last"`
	Avg   float64 `json:"avg"`
	Best  float64 `json:"best"`
	Worst float64 `json:"worst"`
	// StDev is the standard deviation of the round-trip times.
	StDev float64 `json:"stdev"`
}

// Summary condenses a hop table into the figures shown in one status line.
type Summary struct {
	Hops        int     `json:"hops"`
	Destination string  `json:"destination"`
	AvgMs       float64 `json:"avg_ms"`
	MaxLoss     float64 `json:"max_loss"`
}

// Summarize reports the hop count, the last hop and the worst loss on the path.
func Summarize(hops []HopRecord) Summary {
	var s Summary
	s.Hops = len(hops)
	if len(hops) == 0 {
		return s
	}
	last := hops[len(hops)-1]
	s.Destination = last.Host
	s.AvgMs = last.Avg
	for _, h := range hops {
		if h.Loss > s.MaxLoss {
			s.MaxLoss = h.Loss
		}
	}
	return s
}
