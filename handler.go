// Copyright (c) 2019, Benjamin Shields. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tftp

import (
	"time"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Handler runs one client's read or write transfer to completion. It owns its Transport and the file
// being transferred; nothing else touches either while Serve runs.
type Handler struct {
	Request

	// ID tags the handler's log lines.
	ID uuid.UUID

	conn       Transport
	fs         *FileSystem
	timeout    time.Duration
	maxRetries int
	log        logrus.FieldLogger

	// lastPacket is the last packet sent to the client, used in case of re-transmission.
	lastPacket []byte

	// retransmits counts re-sends over the whole transfer.
	retransmits int
}

func NewHandler(req Request, conn Transport, fs *FileSystem, cfg Config, log logrus.FieldLogger) *Handler {
	id := uuid.Must(uuid.NewV4())
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		Request:    req,
		ID:         id,
		conn:       conn,
		fs:         fs,
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		log: log.WithFields(logrus.Fields{
			"session": id.String(),
			"op":      req.Op.String(),
			"file":    req.Filename,
			"client":  req.Addr.String(),
		}),
	}
}

// Serve runs the transfer and always closes the handler's Transport before returning.
func (handler *Handler) Serve() error {
	defer func() {
		if err := handler.conn.Close(); err != nil {
			handler.log.WithError(err).Debug("tftp: closing session socket")
		}
	}()

	start := time.Now()
	var (
		n   int64
		err error
	)
	switch handler.Op {
	case RRQ:
		n, err = handler.sendFile()
	case WRQ:
		n, err = handler.receiveFile()
	default:
		err = errOperation.fmt("expected opcode matching RRQ(%d) or WRQ(%d), found %v", RRQ, WRQ, handler.Op)
		handler.sendError(asTFTPError(err))
	}

	log := handler.log.WithFields(logrus.Fields{
		"bytes":       n,
		"retransmits": handler.retransmits,
		"elapsed":     time.Since(start).Round(time.Millisecond),
	})
	if err != nil {
		log.WithError(err).Warn("tftp: transfer failed")
		return err
	}
	log.Info("tftp: transfer complete")
	return nil
}

// send transmits pak and remembers it for retransmission.
func (handler *Handler) send(pak []byte) error {
	handler.lastPacket = pak
	return errors.Wrap(handler.conn.WritePacket(pak), "send")
}

// sendError notifies the client that the transfer is being abandoned. There is nothing left to do if
// that fails too, so send errors are only logged.
func (handler *Handler) sendError(e tftpError) {
	if err := handler.conn.WritePacket(encodeError(e.errorCode, e.errorMsg)); err != nil {
		handler.log.WithError(err).Debug("tftp: sending error packet")
	}
}

// exchange sends pak and then feeds every packet received from the client to accept until accept
// reports done. Each wait for the client lasts at most handler.timeout; when it expires pak is sent
// again, up to handler.maxRetries times. Malformed packets and packets accept rejects leave the
// current deadline running. An ERROR from the client ends the exchange with ErrPeerAborted.
func (handler *Handler) exchange(pak []byte, accept func(pak []byte) (done bool, err error)) error {
	if err := handler.send(pak); err != nil {
		return err
	}
	retries := 0
	deadline := time.Now().Add(handler.timeout)
	for {
		in, err := handler.conn.ReadPacket(time.Until(deadline))
		if errors.Is(err, ErrTimeout) {
			if retries >= handler.maxRetries {
				return errors.Wrapf(ErrTimeout, "no answer after %d retransmissions", retries)
			}
			retries++
			handler.retransmits++
			handler.log.WithField("attempt", retries).Debug("tftp: retransmitting")
			if err := handler.send(handler.lastPacket); err != nil {
				return err
			}
			deadline = time.Now().Add(handler.timeout)
			continue
		}
		if err != nil {
			return errors.Wrap(err, "receive")
		}

		if op, ok := packetOpCode(in); ok && op == ERROR {
			peerErr, err := decodeError(in)
			if err == nil {
				return errors.Wrapf(ErrPeerAborted, "code %d: %s", peerErr.errorCode, peerErr.errorMsg)
			}
		}
		done, err := accept(in)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}
