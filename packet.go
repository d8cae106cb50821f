// Copyright (c) 2019, Benjamin Shields. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tftp

import (
	"bytes"
	"encoding/binary"
	"net"
	"strings"

	"github.com/pkg/errors"
)

// Request is generated from a RRQ/WRQ packet as defined in RFC 1350.
type Request struct {
	Op       opCode
	Filename string // null-terminator is removed
	Mode     string // lower case

	// Addr is the address at which the client can be reached.
	Addr *net.UDPAddr

	// LocalIP is the server address the request arrived on, if the listener could learn it.
	LocalIP net.IP
}

// decodeRequest parses a RRQ/WRQ packet into a Request. Structurally broken packets fail with
// ErrMalformedPacket; well-formed packets asking for something this server does not do fail with errOperation.
// Option pairs following the mode are ignored.
func decodeRequest(data []byte) (Request, error) {
	var req Request
	if len(data) < sizeOfOpCode {
		return req, errors.Wrapf(ErrMalformedPacket, "request of %d bytes", len(data))
	}
	op := readOpCode(data)
	switch op {
	case RRQ, WRQ:
	case ERROR:
		// Never answered, or two servers could keep rejecting each other's rejections.
		return req, errors.Wrap(ErrMalformedPacket, "ERROR sent to the listening port")
	default:
		return req, errOperation.fmt("expected opcode matching RRQ(%d) or WRQ(%d), found %v", RRQ, WRQ, op)
	}
	if len(data) < minRequestPacketSize {
		return req, errors.Wrapf(ErrMalformedPacket, "request of %d bytes", len(data))
	}
	buffer := bytes.NewBuffer(data[sizeOfOpCode:])
	filename, err := readNetasciiString(buffer)
	if err != nil {
		return req, errors.Wrap(err, "filename")
	}
	if filename == "" {
		return req, errors.Wrap(ErrMalformedPacket, "empty filename")
	}
	mode, err := readNetasciiString(buffer)
	if err != nil {
		return req, errors.Wrap(err, "mode")
	}
	mode = strings.ToLower(mode)
	if mode != modeOctet {
		return req, errOperation.fmt("transfer mode %q is not supported", mode)
	}
	req.Op = op
	req.Filename = filename
	req.Mode = mode
	return req, nil
}

func encodeRequest(op opCode, filename, mode string) []byte {
	pak := make([]byte, sizeOfOpCode, sizeOfOpCode+len(filename)+len(mode)+2)
	binary.BigEndian.PutUint16(pak, uint16(op))
	pak = append(pak, filename...)
	pak = append(pak, 0x00)
	pak = append(pak, mode...)
	return append(pak, 0x00)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func encodeData(blockNumber uint16, payload []byte) []byte {
	pak := make([]byte, sizeOfHeader+len(payload))
	binary.BigEndian.PutUint16(pak, uint16(DATA))
	binary.BigEndian.PutUint16(pak[sizeOfOpCode:], blockNumber)
	copy(pak[sizeOfHeader:], payload)
	return pak
}

// decodeData returns the block number and payload of a DATA packet. The payload aliases data.
func decodeData(data []byte) (uint16, []byte, error) {
	if len(data) < sizeOfHeader {
		return 0, nil, errors.Wrapf(ErrMalformedPacket, "DATA of %d bytes", len(data))
	}
	if op := readOpCode(data); op != DATA {
		return 0, nil, errors.Wrapf(ErrMalformedPacket, "expected DATA, found %v", op)
	}
	if len(data)-sizeOfHeader > blockSize {
		return 0, nil, errors.Wrapf(ErrMalformedPacket, "DATA payload of %d bytes", len(data)-sizeOfHeader)
	}
	return readBlockNumber(data), data[sizeOfHeader:], nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func encodeAck(blockNumber uint16) []byte {
	pak := make([]byte, sizeOfHeader)
	binary.BigEndian.PutUint16(pak, uint16(ACK))
	binary.BigEndian.PutUint16(pak[sizeOfOpCode:], blockNumber)
	return pak
}

func decodeAck(data []byte) (uint16, error) {
	if len(data) != sizeOfHeader {
		return 0, errors.Wrapf(ErrMalformedPacket, "ACK of %d bytes", len(data))
	}
	if op := readOpCode(data); op != ACK {
		return 0, errors.Wrapf(ErrMalformedPacket, "expected ACK, found %v", op)
	}
	return readBlockNumber(data), nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func encodeError(code ErrorCode, msg string) []byte {
	pak := make([]byte, sizeOfHeader, sizeOfHeader+len(msg)+1)
	binary.BigEndian.PutUint16(pak, uint16(ERROR))
	binary.BigEndian.PutUint16(pak[sizeOfOpCode:], uint16(code))
	pak = append(pak, msg...)
	return append(pak, 0x00)
}

// decodeError parses an ERROR packet. A missing message terminator is tolerated since the
// packet is only ever used to end a transfer.
func decodeError(data []byte) (tftpError, error) {
	if len(data) < sizeOfHeader {
		return tftpError{}, errors.Wrapf(ErrMalformedPacket, "ERROR of %d bytes", len(data))
	}
	if op := readOpCode(data); op != ERROR {
		return tftpError{}, errors.Wrapf(ErrMalformedPacket, "expected ERROR, found %v", op)
	}
	msg := data[sizeOfHeader:]
	if i := bytes.IndexByte(msg, 0x00); i >= 0 {
		msg = msg[:i]
	}
	return tftpError{errorCode: ErrorCode(readBlockNumber(data)), errorMsg: string(msg)}, nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func readNetasciiString(buffer *bytes.Buffer) (string, error) {
	netasciiStr, err := buffer.ReadBytes(0x00)
	if err != nil {
		return "", errors.Wrap(ErrMalformedPacket, "missing null terminator")
	}
	return string(netasciiStr[:len(netasciiStr)-1]), nil
}

// readOpCode expects at least sizeOfOpCode bytes.
func readOpCode(data []byte) opCode {
	return opCode(binary.BigEndian.Uint16(data))
}

// readBlockNumber expects at least sizeOfHeader bytes. It also reads the error code of ERROR packets.
func readBlockNumber(data []byte) uint16 {
	return binary.BigEndian.Uint16(data[sizeOfOpCode:])
}

func packetOpCode(data []byte) (opCode, bool) {
	if len(data) < sizeOfOpCode {
		return 0, false
	}
	return readOpCode(data), true
}
