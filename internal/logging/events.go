package logging

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Event is one structured record about a command or an exchange attempt.
// It must never carry credentials, signatures or nonces.
type Event struct {
	Name       string
	Level      logrus.Level
	CommandID  string
	Operation  string
	Attempt    int
	Outcome    string
	Latency    time.Duration
	HTTPStatus int
	Message    string
	Fields     map[string]any
}

type Sink interface {
	Emit(Event)
}

// LogrusSink writes events through a logrus logger.
type LogrusSink struct {
	entry *logrus.Entry
}

func NewLogrusSink(logger logrus.FieldLogger) *LogrusSink {
	return &LogrusSink{entry: Component(logger, "events")}
}

func (s *LogrusSink) Emit(ev Event) {
	if s == nil || s.entry == nil {
		return
	}
	fields := logrus.Fields{"event": ev.Name}
	if ev.CommandID != "" {
		fields["command_id"] = ev.CommandID
	}
	if ev.Operation != "" {
		fields["operation"] = ev.Operation
	}
	if ev.Attempt > 0 {
		fields["attempt"] = ev.Attempt
	}
	if ev.Outcome != "" {
		fields["outcome"] = ev.Outcome
	}
	if ev.Latency > 0 {
		fields["latency_ms"] = ev.Latency.Milliseconds()
	}
	if ev.HTTPStatus > 0 {
		fields["http_status"] = ev.HTTPStatus
	}
	for k, v := range ev.Fields {
		if _, taken := fields[k]; !taken {
			fields[k] = v
		}
	}
	level := ev.Level
	if level == 0 {
		level = logrus.InfoLevel
	}
	s.entry.WithFields(fields).Log(level, ev.Message)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Emit(Event) {}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Named returns the recorded events with the given name.
func (r *Recorder) Named(name string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}
