package quality

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// StatsSource is anything that yields a pion stats report. The peer
// transport satisfies it; tests feed canned reports.
type StatsSource interface {
	GetStats() webrtc.StatsReport
}

type Unsubscribe func()

// Monitor samples a transport on a fixed interval and notifies subscribers
// only when the quality category actually changes.
type Monitor struct {
	interval time.Duration

	mu      sync.Mutex
	latest  Sample
	lastCat Category
	subs    map[int]func(Sample)
	nextSub int
	done    chan struct{}
	started bool

	prev struct {
		valid       bool
		at          time.Time
		bytesRecv   uint64
		packetsRecv uint32
		packetsLost int32
	}

	now func() time.Time
}

func NewMonitor(interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Monitor{
		interval: interval,
		latest:   Sample{Quality: Unknown},
		subs:     make(map[int]func(Sample)),
		now:      time.Now,
	}
}

func (m *Monitor) Start(src StatsSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || src == nil {
		return
	}
	m.started = true
	m.done = make(chan struct{})
	go m.loop(src, m.done)
	log.Info().Str("module", "quality").Dur("interval", m.interval).Msg("monitor started")
}

// Stop clears the timer and all callbacks. Safe to call when not started
// and concurrently with an in-flight sample.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	m.started = false
	close(m.done)
	m.done = nil
	m.subs = make(map[int]func(Sample))
	m.prev.valid = false
	log.Info().Str("module", "quality").Msg("monitor stopped")
}

// Current returns the latest sample regardless of whether the category
// changed.
func (m *Monitor) Current() Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest
}

// OnChange registers a category-change callback.
func (m *Monitor) OnChange(fn func(Sample)) Unsubscribe {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

func (m *Monitor) loop(src StatsSource, done chan struct{}) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.sample(src)
		}
	}
}

// sample pulls one report, grades it, and fans out on category change.
func (m *Monitor) sample(src StatsSource) {
	report := src.GetStats()
	now := m.now()

	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	s := m.extractLocked(report, now)
	Grade(&s)
	m.latest = s

	var notify []func(Sample)
	if s.Quality != m.lastCat {
		m.lastCat = s.Quality
		for _, fn := range m.subs {
			notify = append(notify, fn)
		}
		log.Info().Str("module", "quality").Str("category", string(s.Quality)).Int("score", s.Score).Msg("quality changed")
	}
	m.mu.Unlock()

	for _, fn := range notify {
		fn(s)
	}
}

// extractLocked pulls RTT, loss, jitter, and a byte-delta bandwidth estimate
// out of a pion stats report.
func (m *Monitor) extractLocked(report webrtc.StatsReport, now time.Time) Sample {
	s := Sample{SampledAt: now}

	var bytesRecv uint64
	var packetsRecv uint32
	var packetsLost int32
	var sawInbound bool

	for _, raw := range report {
		switch v := raw.(type) {
		case webrtc.ICECandidatePairStats:
			if v.State != webrtc.StatsICECandidatePairStateSucceeded {
				continue
			}
			if v.CurrentRoundTripTime > 0 {
				s.RTT = time.Duration(v.CurrentRoundTripTime * float64(time.Second))
				s.HasRTT = true
			}
			if v.AvailableOutgoingBitrate > 0 {
				s.BandwidthKbps = v.AvailableOutgoingBitrate / 1000
				s.HasBandwidth = true
			}
		case webrtc.InboundRTPStreamStats:
			sawInbound = true
			bytesRecv += v.BytesReceived
			packetsRecv += v.PacketsReceived
			packetsLost += v.PacketsLost
			if ms := v.Jitter * 1000; ms > s.JitterMs {
				s.JitterMs = ms
				s.HasJitter = true
			}
		}
	}

	if sawInbound && m.prev.valid {
		dRecv := int64(packetsRecv) - int64(m.prev.packetsRecv)
		dLost := int64(packetsLost) - int64(m.prev.packetsLost)
		if dRecv < 0 {
			dRecv = 0
		}
		if dLost < 0 {
			dLost = 0
		}
		if dRecv+dLost > 0 {
			s.PacketLossPct = float64(dLost) / float64(dRecv+dLost) * 100
			s.HasLoss = true
		}
		if !s.HasBandwidth {
			if dt := now.Sub(m.prev.at).Seconds(); dt > 0 && bytesRecv >= m.prev.bytesRecv {
				s.BandwidthKbps = float64(bytesRecv-m.prev.bytesRecv) * 8 / dt / 1000
				s.HasBandwidth = s.BandwidthKbps > 0
			}
		}
	}
	if sawInbound {
		m.prev.valid = true
		m.prev.at = now
		m.prev.bytesRecv = bytesRecv
		m.prev.packetsRecv = packetsRecv
		m.prev.packetsLost = packetsLost
	}
	return s
}
