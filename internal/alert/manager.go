package alert

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// Alerter receives events an operator must see, such as an order whose outcome
// could not be determined.
type Alerter interface {
	Important(event string, fields map[string]string)
}

const (
	defaultQueueSize          = 128
	defaultDropReportInterval = time.Minute
	sendTimeout               = 20 * time.Second
)

type ManagerOptions struct {
	InstanceID         string
	Transport          string
	QueueSize          int
	DropReportInterval time.Duration
	Logger             logrus.FieldLogger
	Now                func() time.Time
}

// Manager delivers alerts on a background goroutine so callers never block on
// the notifier. Overflow is dropped and reported in the log.
type Manager struct {
	instanceID           string
	transport            string
	notifier             Notifier
	log                  logrus.FieldLogger
	now                  func() time.Time
	queue                chan alertEvent
	stop                 chan struct{}
	done                 chan struct{}
	dropReportInterval   time.Duration
	droppedTotal         uint64
	droppedSinceReported uint64
	wg                   sync.WaitGroup
	mu                   sync.RWMutex
	closed               bool
}

type alertEvent struct {
	event  string
	fields map[string]string
	at     time.Time
}

// NewManager returns nil when notifier is nil; a nil *Manager accepts and
// discards every call.
func NewManager(notifier Notifier, opts ManagerOptions) *Manager {
	if notifier == nil {
		return nil
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.DropReportInterval < 0 {
		opts.DropReportInterval = 0
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Manager{
		instanceID:         opts.InstanceID,
		transport:          opts.Transport,
		notifier:           notifier,
		log:                opts.Logger.WithField("component", "alert"),
		now:                opts.Now,
		queue:              make(chan alertEvent, opts.QueueSize),
		stop:               make(chan struct{}),
		done:               make(chan struct{}),
		dropReportInterval: opts.DropReportInterval,
	}
	m.wg.Add(1)
	go m.loop()
	if m.dropReportInterval > 0 {
		m.wg.Add(1)
		go m.dropReportLoop()
	}
	go func() {
		m.wg.Wait()
		close(m.done)
	}()
	return m
}

func (m *Manager) Important(event string, fields map[string]string) {
	if m == nil {
		return
	}
	ev := alertEvent{event: event, fields: cloneFields(fields), at: m.now().UTC()}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- ev:
	default:
		total := atomic.AddUint64(&m.droppedTotal, 1)
		// first drop of a window is logged at once, the rest in the periodic summary
		if atomic.AddUint64(&m.droppedSinceReported, 1) == 1 {
			m.log.WithFields(logrus.Fields{
				"target_event":  event,
				"dropped_total": total,
				"queue_cap":     cap(m.queue),
			}).Warn("alert_queue_dropped")
		}
	}
}

// Close stops accepting alerts and waits until queued ones are delivered.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	m.mu.Unlock()

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.queue:
			m.send(ev)
		case <-m.stop:
			for {
				select {
				case ev := <-m.queue:
					m.send(ev)
				default:
					m.reportDropped()
					return
				}
			}
		}
	}
}

func (m *Manager) dropReportLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.dropReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reportDropped()
		case <-m.stop:
			m.reportDropped()
			return
		}
	}
}

func (m *Manager) reportDropped() {
	dropped := atomic.SwapUint64(&m.droppedSinceReported, 0)
	if dropped == 0 {
		return
	}
	m.log.WithFields(logrus.Fields{
		"dropped_since_last": dropped,
		"dropped_total":      atomic.LoadUint64(&m.droppedTotal),
		"queue_len":          len(m.queue),
		"queue_cap":          cap(m.queue),
	}).Warn("alert_queue_dropped_report")
}

func (m *Manager) droppedStats() (uint64, uint64) {
	return atomic.LoadUint64(&m.droppedTotal), atomic.LoadUint64(&m.droppedSinceReported)
}

func (m *Manager) send(ev alertEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, m.buildMessage(ev)); err != nil {
		m.log.WithField("target_event", ev.event).WithError(err).Error("alert_notify_failed")
	}
}

func (m *Manager) buildMessage(ev alertEvent) string {
	lines := []string{
		"[kraken-mcp] important",
		"time: " + ev.at.Format(time.RFC3339),
		"instance: " + m.instanceID,
	}
	if m.transport != "" {
		lines = append(lines, "transport: "+m.transport)
	}
	lines = append(lines, "event: "+ev.event)
	keys := make([]string, 0, len(ev.fields))
	for k := range ev.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, k+": "+ev.fields[k])
	}
	return strings.Join(lines, "\n")
}

func cloneFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// LogNotifier writes alerts to the log; used when no external channel is configured.
type LogNotifier struct {
	Logger logrus.FieldLogger
}

func (n LogNotifier) Notify(_ context.Context, msg string) error {
	logger := n.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger.WithField("component", "alert").Warn(strings.ReplaceAll(msg, "\n", " | "))
	return nil
}
