// Copyright (c) 2019, Benjamin Shields. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tftp

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type Server struct {
	// Config holds the listen address, served root and retransmission policy. It must not be
	// changed once Listen has been called.
	Config

	// Log receives request, transfer and error logs.
	// If nil, logging is done via logrus' standard logger.
	Log logrus.FieldLogger

	// fs is the served root all sessions read from and write to.
	fs *FileSystem

	// requestReader listens on Addr for new Read and Write requests.
	requestReader *requestReader

	// sessions is used to wait for transfers to finish during graceful shutdown. It is incremented
	// upon receiving a new request packet, and decremented after a session closes.
	sessions       sync.WaitGroup
	numActiveConns atomic.Int64

	closed      atomic.Bool
	releaseOnce sync.Once
}

func NewServer(cfg Config, log logrus.FieldLogger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fs, err := NewFileSystem(cfg.Root)
	if err != nil {
		return nil, err
	}
	srv := &Server{
		Config: cfg,
		Log:    log,
		fs:     fs,
	}
	return srv, nil
}

// Listen binds the server's address. Serve calls it when it has not been called yet; calling it
// first lets the caller learn the bound address, e.g. when Addr asks for port 0.
func (srv *Server) Listen() error {
	if srv.closed.Load() {
		return ErrServerClosed
	}
	if srv.requestReader != nil {
		return nil
	}
	reader, err := newRequestReader(srv.Config.Addr)
	if err != nil {
		return err
	}
	srv.requestReader = reader
	srv.logger().WithFields(logrus.Fields{
		"root": srv.fs.Root(),
		"addr": reader.LocalAddr().String(),
	}).Info("tftp: listening for requests")
	return nil
}

// Addr returns the bound listening address, or nil before Listen.
func (srv *Server) Addr() net.Addr {
	if srv.requestReader == nil {
		return nil
	}
	return srv.requestReader.LocalAddr()
}

// ActiveSessions reports the number of transfers in progress.
func (srv *Server) ActiveSessions() int {
	return int(srv.numActiveConns.Load())
}

// Serve accepts requests until a CancelType arrives on cancelChan, starting one Handler per request.
// The returned channel receives exactly one value once the server has stopped.
func (srv *Server) Serve(cancelChan <-chan CancelType) <-chan error {
	// create a channel to send errors back to caller (so that this routine can be cancelled)
	done := make(chan error, 1)
	go func() {
		if err := srv.Listen(); err != nil {
			done <- err
			return
		}
		quit := make(chan struct{})
		defer close(quit)
		requests := srv.requestReader.ReadContinuously(quit)
		for {
			select {
			case pak, ok := <-requests:
				if !ok {
					done <- errors.Wrap(ErrServerClosed, "listening socket closed")
					return
				}
				if pak.error != nil {
					srv.logger().WithError(pak.error).Error("tftp: reading request")
					continue
				}
				srv.dispatch(pak)
			case cancelType := <-cancelChan:
				done <- srv.cancel(cancelType)
				return
			}
		}
	}()
	return done
}

// dispatch parses a request packet and starts its session. It never waits for the session.
func (srv *Server) dispatch(pak Packet) {
	log := srv.logger().WithField("client", pak.from.String())
	req, err := decodeRequest(pak.data)
	if err != nil {
		var te tftpError
		if errors.As(err, &te) {
			log.WithError(err).Info("tftp: rejecting request")
			srv.reportError(pak.from, te)
			return
		}
		log.WithError(err).Debug("tftp: dropping packet")
		return
	}
	req.Addr = pak.from
	req.LocalIP = pak.to

	conn, err := DialConn(req.LocalIP, req.Addr)
	if err != nil {
		log.WithError(err).Error("tftp: opening session socket")
		srv.reportError(pak.from, errNotDef.fmt("server cannot open a transfer socket"))
		return
	}
	handler := NewHandler(req, conn, srv.fs, srv.Config, srv.logger())
	handler.log.WithField("local", conn.LocalAddr().String()).Info("tftp: new request received")

	srv.sessions.Add(1)
	srv.numActiveConns.Add(1)
	go func() {
		defer srv.sessions.Done()
		defer srv.numActiveConns.Add(-1)
		_ = handler.Serve() // the handler logs its own outcome
	}()
}

// reportError answers a rejected request from the listening socket. No session exists yet, so a
// failed send is only logged.
func (srv *Server) reportError(to *net.UDPAddr, e tftpError) {
	if err := srv.requestReader.WriteTo(encodeError(e.errorCode, e.errorMsg), to); err != nil {
		srv.logger().WithError(err).WithField("client", to.String()).Debug("tftp: sending error packet")
	}
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

type CloseType error

var (
	ShutdownGracefully  CloseType = errors.New("ShutdownGracefully")
	ShutdownWithTimeout CloseType = errors.New("ShutdownWithTimeout")
	ShutdownImmediately CloseType = errors.New("ShutdownImmediately")
)

// ErrShutdownTimeout is returned by a ShutdownWithTimeout that gave up waiting for sessions.
var ErrShutdownTimeout = errors.New("sessions still running after shutdown timeout")

type CancelType struct {
	CloseType
	time.Duration
}

func Cancellation(closeType CloseType, duration time.Duration) CancelType {
	return CancelType{
		CloseType: closeType,
		Duration:  duration,
	}
}

func (srv *Server) cancel(cancel CancelType) error {
	switch cancel.CloseType {
	case ShutdownGracefully:
		return srv.shutdown()
	case ShutdownWithTimeout:
		return srv.shutdown(cancel.Duration)
	case ShutdownImmediately:
		return srv.close()
	default:
		err := errors.Errorf("tftp: Server shutdown with unexpected CancelType: %T\t%v", cancel, cancel)
		if closeErr := srv.close(); closeErr != nil {
			srv.logger().WithError(closeErr).Error("tftp: closing server")
		}
		return err
	}
}

// shutdown stops accepting requests and waits for running sessions to reach Done or Failed, for at
// most timeout[0] if given. Sessions are never interrupted.
func (srv *Server) shutdown(timeout ...time.Duration) error {
	if err := srv.close(); err != nil {
		return err
	}
	finished := make(chan struct{})
	go func() {
		srv.sessions.Wait()
		close(finished)
	}()
	if len(timeout) == 0 {
		<-finished
		return nil
	}
	select {
	case <-finished:
		return nil
	case <-time.After(timeout[0]):
		return errors.Wrapf(ErrShutdownTimeout, "%d active after %v", srv.ActiveSessions(), timeout[0])
	}
}

// close stops accepting requests. Running sessions carry on; they hold their own sockets and
// resolve paths through the served root, which stays open until the last of them finishes.
func (srv *Server) close() error {
	if !srv.closed.CompareAndSwap(false, true) {
		return ErrServerClosed
	}
	srv.logger().WithField("active", srv.ActiveSessions()).Info("tftp: shutting down")
	err := srv.requestReader.Close()
	go func() {
		srv.sessions.Wait()
		srv.release()
	}()
	return errors.Wrap(err, "close listening socket")
}

func (srv *Server) release() {
	srv.releaseOnce.Do(func() {
		if err := srv.fs.Close(); err != nil {
			srv.logger().WithError(err).Debug("tftp: closing served root")
		}
	})
}

func (srv *Server) logger() logrus.FieldLogger {
	if srv.Log != nil {
		return srv.Log
	}
	return logrus.StandardLogger()
}
