package pulsar

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	pulsarlog "github.com/apache/pulsar-client-go/pulsar/log"
)

// logger routes client library logs into the adapter logger. Warnings have
// no watermill level and are logged as info with warn=true.
type logger struct {
	inner watermill.LoggerAdapter
	err   error
}

func newLogger(inner watermill.LoggerAdapter) pulsarlog.Logger {
	return logger{inner: inner}
}

func (l logger) with(fields pulsarlog.Fields) logger {
	return logger{inner: l.inner.With(watermill.LogFields(fields)), err: l.err}
}

func (l logger) SubLogger(fields pulsarlog.Fields) pulsarlog.Logger { return l.with(fields) }
func (l logger) WithFields(fields pulsarlog.Fields) pulsarlog.Entry { return l.with(fields) }

func (l logger) WithField(name string, value any) pulsarlog.Entry {
	return l.with(pulsarlog.Fields{name: value})
}

func (l logger) WithError(err error) pulsarlog.Entry {
	return logger{inner: l.inner, err: err}
}

func (l logger) Debug(args ...any) { l.inner.Debug(fmt.Sprint(args...), nil) }
func (l logger) Info(args ...any)  { l.inner.Info(fmt.Sprint(args...), nil) }
func (l logger) Warn(args ...any)  { l.warn(fmt.Sprint(args...)) }
func (l logger) Error(args ...any) { l.inner.Error(fmt.Sprint(args...), l.err, nil) }

func (l logger) Debugf(format string, args ...any) { l.inner.Debug(fmt.Sprintf(format, args...), nil) }
func (l logger) Infof(format string, args ...any)  { l.inner.Info(fmt.Sprintf(format, args...), nil) }
func (l logger) Warnf(format string, args ...any)  { l.warn(fmt.Sprintf(format, args...)) }
func (l logger) Errorf(format string, args ...any) {
	l.inner.Error(fmt.Sprintf(format, args...), l.err, nil)
}

func (l logger) warn(msg string) {
	fields := watermill.LogFields{"warn": true}
	if l.err != nil {
		fields["error"] = l.err.Error()
	}
	l.inner.Info(msg, fields)
}
