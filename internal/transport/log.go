package transport

import (
	"context"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

// loggingConduit decorates a conduit with structured dial/close logs.
// Per-operation logs stay at trace level so flood trains do not drown
// the journal.
type loggingConduit[V any] struct {
	inner Conduit[V]
	name  string
	wrap  func(V) V
}

// LoggingStream wraps a stream conduit with structured logging.
func LoggingStream(name string, inner Conduit[Stream]) Conduit[Stream] {
	return &loggingConduit[Stream]{
		inner: inner,
		name:  name,
		wrap:  func(s Stream) Stream { return &loggingStream{inner: s, name: name} },
	}
}

// LoggingDatagram wraps a datagram conduit with structured logging.
func LoggingDatagram(name string, inner Conduit[Datagram]) Conduit[Datagram] {
	return &loggingConduit[Datagram]{
		inner: inner,
		name:  name,
		wrap:  func(d Datagram) Datagram { return &loggingDatagram{inner: d, name: name} },
	}
}

func (l *loggingConduit[V]) Dial(ctx context.Context) error {
	start := time.Now()
	err := l.inner.Dial(ctx)
	fields := log.Fields{
		"conduit": l.name,
		"stack":   l.inner.Stack(),
		"took":    time.Since(start).String(),
	}
	if err != nil {
		log.WithFields(fields).WithError(err).Debug("conduit dial failed")
		return err
	}
	log.WithFields(fields).Debug("conduit dialed")
	return nil
}

func (l *loggingConduit[V]) Close() error {
	err := l.inner.Close()
	if err != nil {
		log.WithField("conduit", l.name).WithError(err).Debug("conduit close failed")
		return err
	}
	log.WithField("conduit", l.name).Debug("conduit closed")
	return nil
}

func (l *loggingConduit[V]) Kind() Kind      { return l.inner.Kind() }
func (l *loggingConduit[V]) Stack() []string { return l.inner.Stack() }
func (l *loggingConduit[V]) View() V         { return l.wrap(l.inner.View()) }

type loggingStream struct {
	inner Stream
	name  string
}

func (l *loggingStream) Read(ctx context.Context, p []byte) (int, Metadata, error) {
	n, md, err := l.inner.Read(ctx, p)
	log.WithFields(log.Fields{"conduit": l.name, "layer": md.Layer, "bytes": n}).Trace("stream read")
	return n, md, err
}

func (l *loggingStream) Write(ctx context.Context, p []byte) (int, Metadata, error) {
	n, md, err := l.inner.Write(ctx, p)
	log.WithFields(log.Fields{"conduit": l.name, "layer": md.Layer, "bytes": n}).Trace("stream write")
	return n, md, err
}

func (l *loggingStream) SetDeadline(t time.Time) error { return l.inner.SetDeadline(t) }
func (l *loggingStream) LocalAddr() net.Addr           { return l.inner.LocalAddr() }
func (l *loggingStream) RemoteAddr() net.Addr          { return l.inner.RemoteAddr() }

type loggingDatagram struct {
	inner Datagram
	name  string
}

func (l *loggingDatagram) ReadFrom(ctx context.Context, p []byte) (int, net.Addr, Metadata, error) {
	n, addr, md, err := l.inner.ReadFrom(ctx, p)
	log.WithFields(log.Fields{"conduit": l.name, "layer": md.Layer, "bytes": n}).Trace("datagram read")
	return n, addr, md, err
}

func (l *loggingDatagram) WriteTo(ctx context.Context, p []byte, addr net.Addr) (int, Metadata, error) {
	n, md, err := l.inner.WriteTo(ctx, p, addr)
	log.WithFields(log.Fields{"conduit": l.name, "layer": md.Layer, "bytes": n}).Trace("datagram write")
	return n, md, err
}

func (l *loggingDatagram) SetDeadline(t time.Time) error { return l.inner.SetDeadline(t) }
func (l *loggingDatagram) LocalAddr() net.Addr           { return l.inner.LocalAddr() }
func (l *loggingDatagram) RemoteAddr() net.Addr          { return l.inner.RemoteAddr() }
