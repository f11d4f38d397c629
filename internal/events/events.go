// Package events carries progress and diagnostics out of the pipeline.
//
// Every component takes a Sink instead of writing to a global logger, so
// tests can assert on what happened without capturing stdout.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// Kind classifies an event so sinks can react without parsing messages.
type Kind string

const (
	KindStageStarted  Kind = "stage_started"
	KindStageFinished Kind = "stage_finished"
	KindStageFailed   Kind = "stage_failed"
	KindStageSkipped  Kind = "stage_skipped"
	KindTaskExcluded  Kind = "task_excluded"
	KindTaskResult    Kind = "task_result"
	KindContainer     Kind = "container"
	KindLogLine       Kind = "log_line"
	KindMessage       Kind = "message"
)

type Event struct {
	Time    time.Time
	Level   Level
	Kind    Kind
	Stage   string
	Message string
	Fields  map[string]any
}

type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Nop discards every event.
var Nop Sink = SinkFunc(func(Event) {})

// Multi fans an event out to every non-nil sink in order.
func Multi(sinks ...Sink) Sink {
	var live []Sink
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	return SinkFunc(func(e Event) {
		for _, s := range live {
			s.Emit(e)
		}
	})
}

// Emitter is a small helper bound to a stage name.
type Emitter struct {
	Sink  Sink
	Stage string
}

func For(sink Sink, stage string) Emitter {
	if sink == nil {
		sink = Nop
	}
	return Emitter{Sink: sink, Stage: stage}
}

func (e Emitter) emit(level Level, kind Kind, msg string, kv []any) {
	e.Sink.Emit(Event{
		Time:    time.Now(),
		Level:   level,
		Kind:    kind,
		Stage:   e.Stage,
		Message: msg,
		Fields:  fields(kv),
	})
}

func (e Emitter) Debug(msg string, kv ...any) { e.emit(LevelDebug, KindMessage, msg, kv) }
func (e Emitter) Info(msg string, kv ...any)  { e.emit(LevelInfo, KindMessage, msg, kv) }
func (e Emitter) Warn(msg string, kv ...any)  { e.emit(LevelWarn, KindMessage, msg, kv) }
func (e Emitter) Error(msg string, kv ...any) { e.emit(LevelError, KindMessage, msg, kv) }

func (e Emitter) Started(kv ...any) { e.emit(LevelInfo, KindStageStarted, e.Stage+" started", kv) }
func (e Emitter) Finished(kv ...any) {
	e.emit(LevelInfo, KindStageFinished, e.Stage+" finished", kv)
}

func (e Emitter) Failed(err error, kv ...any) {
	e.emit(LevelError, KindStageFailed, e.Stage+" failed", append(kv, "error", err.Error()))
}

func (e Emitter) Skipped(reason string, kv ...any) {
	e.emit(LevelWarn, KindStageSkipped, e.Stage+" skipped: "+reason, kv)
}

func (e Emitter) Log(level Level, kind Kind, msg string, kv ...any) {
	e.emit(level, kind, msg, kv)
}

func fields(kv []any) map[string]any {
	if len(kv) == 0 {
		return nil
	}
	m := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		m[key] = kv[i+1]
	}
	return m
}

// Recorder keeps every event in memory. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Filter returns the recorded events of the given kind.
func (r *Recorder) Filter(kind Kind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// ZapSink renders events through a zap logger.
type ZapSink struct {
	logger *zap.Logger
}

func NewZapSink(logger *zap.Logger) *ZapSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapSink{logger: logger}
}

func (z *ZapSink) Emit(e Event) {
	zf := make([]zap.Field, 0, len(e.Fields)+2)
	zf = append(zf, zap.String("kind", string(e.Kind)))
	if e.Stage != "" {
		zf = append(zf, zap.String("stage", e.Stage))
	}
	for k, v := range e.Fields {
		zf = append(zf, zap.Any(k, v))
	}
	switch e.Level {
	case LevelDebug:
		z.logger.Debug(e.Message, zf...)
	case LevelWarn:
		z.logger.Warn(e.Message, zf...)
	case LevelError:
		z.logger.Error(e.Message, zf...)
	default:
		z.logger.Info(e.Message, zf...)
	}
}
