// Copyright (c) 2019, Benjamin Shields. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tftp implements an octet-mode Trivial File Transfer Protocol server as defined in RFC 1350.
package tftp

import (
	"fmt"

	"github.com/pkg/errors"
)

// bufferSize defines the size of buffer used to listen for TFTP read and write requests. This accommodates the
// standard Ethernet MTU blocksize (1500 bytes) minus headers of TFTP (4 bytes), UDP (8 bytes) and IP (20 bytes).
const bufferSize = 1468

// blockSize is the fixed RFC 1350 payload size of a DATA packet. A shorter payload ends the transfer.
const blockSize = 512

const sizeOfOpCode = 2

// sizeOfHeader is the opcode plus the block number (or error code) that prefixes DATA, ACK and ERROR packets.
const sizeOfHeader = 4

// minRequestPacketSize defines the minimum size of a TFTP Read Request or Write Request packet. This accommodates the
// opCode (2 bytes) plus filename (2 bytes) plus mode (2 bytes). The filename and mode are at least 1 byte and
// are also terminated by a null byte.
const minRequestPacketSize = 6

const modeOctet = "octet"

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// opCode specifies one of the five types of packets supported by TFTP. OpCodes are two bytes with values from 1 to 5.
type opCode uint16

const (
	_            = iota
	RRQ   opCode = iota // Read request 	1
	WRQ                 // Write request 	2
	DATA                // Data				3
	ACK                 // Acknowledgment	4
	ERROR               // Error			5
)

func (op opCode) String() string {
	switch op {
	case RRQ:
		return "RRQ"
	case WRQ:
		return "WRQ"
	case DATA:
		return "DATA"
	case ACK:
		return "ACK"
	case ERROR:
		return "ERROR"
	}
	return fmt.Sprintf("opcode(%d)", uint16(op))
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// ErrorCode is the two byte code carried by an ERROR packet.
type ErrorCode uint16

const (
	ErrCodeNotDefined ErrorCode = iota
	ErrCodeFileNotFound
	ErrCodeAccessViolation
	ErrCodeDiskFull
	ErrCodeIllegalOperation
	ErrCodeUnknownTID
	ErrCodeFileExists
	ErrCodeNoSuchUser
)

var (
	ErrServerClosed = errors.New("the server is closed")

	// ErrMalformedPacket is returned by the decoders for packets that do not follow the RFC 1350 layout.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrTimeout is returned when a peer stays silent for the whole retry budget of an exchange.
	ErrTimeout = errors.New("timed out")

	// ErrPeerAborted is returned when the peer ends a transfer with an ERROR packet.
	ErrPeerAborted = errors.New("transfer aborted by peer")
)

// tftpError is a failure that is reported to the peer in an ERROR packet.
type tftpError struct {
	errorCode ErrorCode
	errorMsg  string
}

func (e tftpError) fmt(format string, a ...interface{}) tftpError {
	return tftpError{
		errorCode: e.errorCode,
		errorMsg:  e.errorMsg + ": " + fmt.Sprintf(format, a...),
	}
}

func (e tftpError) Error() string {
	return fmt.Sprintf("TFTP error %v occurred: %v", e.errorCode, e.errorMsg)
}

// Is matches on the error code so wrapped and formatted variants still compare equal to the base values below.
func (e tftpError) Is(target error) bool {
	t, ok := target.(tftpError)
	return ok && t.errorCode == e.errorCode
}

var (
	errNotDef     = tftpError{ErrCodeNotDefined, "undefined"}
	errNoFile     = tftpError{ErrCodeFileNotFound, "file not found"}
	errAccess     = tftpError{ErrCodeAccessViolation, "access violation"}
	errDiskFull   = tftpError{ErrCodeDiskFull, "disk full or allocation exceeded"}
	errOperation  = tftpError{ErrCodeIllegalOperation, "illegal TFTP operation"}
	errFileExists = tftpError{ErrCodeFileExists, "file already exists"}
)

// asTFTPError extracts the ERROR packet contents for err, falling back to an undefined error carrying err's text.
func asTFTPError(err error) tftpError {
	var te tftpError
	if errors.As(err, &te) {
		return te
	}
	return errNotDef.fmt("%v", err)
}
