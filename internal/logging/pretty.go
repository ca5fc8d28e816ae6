package logging

import charmlog "github.com/charmbracelet/log"

// Adapter wraps a charmbracelet/log.Logger so it satisfies Interface,
// giving cmd/dsaqctl colorized level-tagged output without touching the
// core engine, which only ever depends on Interface.
type Adapter struct {
	l *charmlog.Logger
}

// NewPrettyLogger builds an Adapter writing to the charmbracelet default
// logger's destination at the given level.
func NewPrettyLogger(level LogLevel) *Adapter {
	l := charmlog.New(charmlog.Default().GetOutput())
	l.SetLevel(toCharmLevel(level))
	l.SetReportTimestamp(true)
	return &Adapter{l: l}
}

func toCharmLevel(level LogLevel) charmlog.Level {
	switch level {
	case LevelDebug:
		return charmlog.DebugLevel
	case LevelWarn:
		return charmlog.WarnLevel
	case LevelError:
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}

func (a *Adapter) Debugf(format string, args ...any) { a.l.Debugf(format, args...) }
func (a *Adapter) Infof(format string, args ...any)  { a.l.Infof(format, args...) }
func (a *Adapter) Warnf(format string, args ...any)  { a.l.Warnf(format, args...) }
func (a *Adapter) Errorf(format string, args ...any) { a.l.Errorf(format, args...) }

var _ Interface = (*Adapter)(nil)
var _ Interface = (*Logger)(nil)
