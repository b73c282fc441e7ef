package applog

import (
	"fmt"

	"github.com/pion/logging"
	"go.uber.org/zap"
)

// PionLoggerFactory routes pion's leveled loggers into zap. Each pion scope
// (ice, dtls, sctp, ...) becomes a named child logger.
type PionLoggerFactory struct {
	base *zap.Logger
}

// NewPionLoggerFactory wraps l.
func NewPionLoggerFactory(l *zap.Logger) *PionLoggerFactory {
	return &PionLoggerFactory{base: l.Named("pion")}
}

// NewLogger implements logging.LoggerFactory.
func (f *PionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{l: f.base.Named(scope).WithOptions(zap.AddCallerSkip(1))}
}

type pionLogger struct {
	l *zap.Logger
}

// Trace maps to Debug; zap has no finer level.
func (p *pionLogger) Trace(msg string) { p.l.Debug(msg) }
func (p *pionLogger) Tracef(format string, args ...interface{}) {
	if ce := p.l.Check(zap.DebugLevel, ""); ce != nil {
		p.l.Debug(fmt.Sprintf(format, args...))
	}
}
func (p *pionLogger) Debug(msg string) { p.l.Debug(msg) }
func (p *pionLogger) Debugf(format string, args ...interface{}) {
	if ce := p.l.Check(zap.DebugLevel, ""); ce != nil {
		p.l.Debug(fmt.Sprintf(format, args...))
	}
}
func (p *pionLogger) Info(msg string) { p.l.Info(msg) }
func (p *pionLogger) Infof(format string, args ...interface{}) {
	p.l.Info(fmt.Sprintf(format, args...))
}
func (p *pionLogger) Warn(msg string) { p.l.Warn(msg) }
func (p *pionLogger) Warnf(format string, args ...interface{}) {
	p.l.Warn(fmt.Sprintf(format, args...))
}
func (p *pionLogger) Error(msg string) { p.l.Error(msg) }
func (p *pionLogger) Errorf(format string, args ...interface{}) {
	p.l.Error(fmt.Sprintf(format, args...))
}
