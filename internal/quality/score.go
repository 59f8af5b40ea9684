// Package quality samples transport statistics on a fixed interval, scores
// link health, and recommends media constraints for the current conditions.
package quality

import "time"

type Category string

const (
	Excellent Category = "excellent"
	Good      Category = "good"
	Fair      Category = "fair"
	Poor      Category = "poor"
	Unknown   Category = "unknown"
)

// Sample is one point-in-time measurement. Has* flags mark which metrics the
// stats report actually yielded; absent metrics carry no penalty.
type Sample struct {
	RTT           time.Duration
	HasRTT        bool
	PacketLossPct float64
	HasLoss       bool
	JitterMs      float64
	HasJitter     bool
	BandwidthKbps float64
	HasBandwidth  bool

	Score     int
	Quality   Category
	SampledAt time.Time
}

// score starts at 100 and subtracts weighted penalties per metric band.
func score(s *Sample) int {
	total := 100

	if s.HasRTT {
		switch rtt := s.RTT; {
		case rtt > 300*time.Millisecond:
			total -= 40
		case rtt > 200*time.Millisecond:
			total -= 25
		case rtt > 100*time.Millisecond:
			total -= 10
		}
	}
	if s.HasLoss {
		switch loss := s.PacketLossPct; {
		case loss > 5:
			total -= 40
		case loss > 2:
			total -= 25
		case loss > 1:
			total -= 10
		}
	}
	if s.HasJitter {
		switch j := s.JitterMs; {
		case j > 50:
			total -= 20
		case j > 30:
			total -= 10
		}
	}
	if s.HasBandwidth {
		switch bw := s.BandwidthKbps; {
		case bw < 500:
			total -= 30
		case bw < 1000:
			total -= 15
		}
	}
	return total
}

func categorize(s *Sample) Category {
	// Without RTT and loss figures the score is meaningless.
	if !s.HasRTT && !s.HasLoss {
		return Unknown
	}
	switch {
	case s.Score >= 80:
		return Excellent
	case s.Score >= 60:
		return Good
	case s.Score >= 40:
		return Fair
	default:
		return Poor
	}
}

// Grade fills Score and Quality from the extracted metrics.
func Grade(s *Sample) {
	s.Score = score(s)
	s.Quality = categorize(s)
}
