package mqexplorer

import "log"

// Logger is the observability side channel adapters write to. It is
// injected per instance; failures in the sink never affect operation
// outcomes.
type Logger interface {
	Log(v ...any)
	Logf(format string, v ...any)
}

type noopLogger struct{}

func (noopLogger) Log(v ...any)                 {}
func (noopLogger) Logf(format string, v ...any) {}

// NewStdLogger adapts a stdlib logger. A nil argument uses the default
// logger.
func NewStdLogger(l *log.Logger) Logger {
	if l == nil {
		l = log.Default()
	}
	return &stdLogger{l: l}
}

type stdLogger struct {
	l *log.Logger
}

func (s *stdLogger) Log(v ...any)                 { s.l.Println(v...) }
func (s *stdLogger) Logf(format string, v ...any) { s.l.Printf(format, v...) }
