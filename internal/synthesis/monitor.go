package synthesis

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// StyleInfo names a speaker style from the backend catalog.
type StyleInfo struct {
	ID          int
	SpeakerName string
	StyleName   string
}

// Monitor polls the backend for liveness and caches its speaker catalog.
type Monitor struct {
	prober   Prober
	interval time.Duration
	log      *slog.Logger

	mu       sync.RWMutex
	healthy  bool
	version  string
	lastSeen time.Time
	speakers []Speaker
	styles   map[int]StyleInfo

	meter  metric.Meter
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMonitor(prober Prober, interval time.Duration, log *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
		log:      log.With(slog.String("component", "backend-monitor")),
		styles:   make(map[int]StyleInfo),
		meter:    otel.Meter("github.com/loqalabs/loqa-relay/synthesis"),
	}
}

// Start probes once and keeps probing on the interval until Close.
func (m *Monitor) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	m.cancel = cancel

	if err := m.initMetrics(); err != nil {
		m.log.Warn("failed to initialize metrics", slogError(err))
	}
	m.Probe(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Probe(ctx)
			}
		}
	}()
}

func (m *Monitor) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Probe checks the backend once. The catalog is only replaced on success.
func (m *Monitor) Probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	version, err := m.prober.Version(probeCtx)
	if err != nil {
		m.setHealthy(false)
		m.log.Warn("synthesis backend unreachable", slogError(err))
		return
	}
	speakers, err := m.prober.Speakers(probeCtx)
	if err != nil {
		m.setHealthy(false)
		m.log.Warn("failed to fetch speaker catalog", slogError(err))
		return
	}

	styles := make(map[int]StyleInfo)
	for _, sp := range speakers {
		for _, st := range sp.Styles {
			styles[st.ID] = StyleInfo{ID: st.ID, SpeakerName: sp.Name, StyleName: st.Name}
		}
	}

	m.mu.Lock()
	wasHealthy := m.healthy
	m.healthy = true
	m.version = version
	m.lastSeen = time.Now()
	m.speakers = speakers
	m.styles = styles
	m.mu.Unlock()

	if !wasHealthy {
		m.log.Info("synthesis backend available", slog.String("version", version), slog.Int("styles", len(styles)))
	}
}

func (m *Monitor) setHealthy(v bool) {
	m.mu.Lock()
	m.healthy = v
	m.mu.Unlock()
}

func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthy
}

// Style looks up a style id in the cached catalog. known is false until the
// first successful probe.
func (m *Monitor) Style(id int) (info StyleInfo, found bool, known bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.speakers == nil {
		return StyleInfo{}, false, false
	}
	info, found = m.styles[id]
	return info, found, true
}

func (m *Monitor) Speakers() []Speaker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Speaker(nil), m.speakers...)
}

func (m *Monitor) initMetrics() error {
	if m.meter == nil {
		return nil
	}
	healthGauge, err := m.meter.Int64ObservableGauge("relay.backend.healthy", metric.WithDescription("1 when the synthesis backend answered the last probe"))
	if err != nil {
		return err
	}
	styleGauge, err := m.meter.Int64ObservableGauge("relay.backend.styles", metric.WithDescription("Speaker styles advertised by the backend"))
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		m.mu.RLock()
		defer m.mu.RUnlock()
		var healthy int64
		if m.healthy {
			healthy = 1
		}
		obs.ObserveInt64(healthGauge, healthy)
		obs.ObserveInt64(styleGauge, int64(len(m.styles)))
		return nil
	}, healthGauge, styleGauge)
	return err
}
