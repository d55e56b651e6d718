// Package notify is the user-facing notification sink. Rendering is the
// caller's business; this package only carries a level and a message.
package notify

import (
	"sync"

	"go.uber.org/zap"
)

type Level string

const (
	Info    Level = "info"
	Success Level = "success"
	Warn    Level = "warn"
	Error   Level = "error"
)

type Notifier interface {
	Notify(level Level, message string)
}

// Func adapts a plain function to Notifier.
type Func func(level Level, message string)

func (f Func) Notify(level Level, message string) { f(level, message) }

// Nop drops every notification.
var Nop Notifier = Func(func(Level, string) {})

// =============================================================================
// LOG - Notifications written to a zap logger
// =============================================================================

type Log struct {
	log *zap.SugaredLogger
}

func NewLog(log *zap.SugaredLogger) *Log {
	return &Log{log: log.Named("notify")}
}

func (l *Log) Notify(level Level, message string) {
	switch level {
	case Error:
		l.log.Errorw(message, "level", level)
	case Warn:
		l.log.Warnw(message, "level", level)
	default:
		l.log.Infow(message, "level", level)
	}
}

// =============================================================================
// RECORDER - Captures notifications in memory
// =============================================================================

type Notification struct {
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

// Recorder keeps every notification. Safe for concurrent use.
type Recorder struct {
	mu  sync.Mutex
	all []Notification
}

func (r *Recorder) Notify(level Level, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, Notification{Level: level, Message: message})
}

func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.all...)
}

// Last returns the most recent notification, or the zero value.
func (r *Recorder) Last() Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.all) == 0 {
		return Notification{}
	}
	return r.all[len(r.all)-1]
}

// Drain returns and clears the recorded notifications.
func (r *Recorder) Drain() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.all
	r.all = nil
	return all
}
