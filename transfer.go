// Copyright (c) 2019, Benjamin Shields. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tftp

import "time"

// sendFile serves a read request: DATA(n) goes out, and the next block is only read once ACK(n) is
// back. The block that is shorter than blockSize, possibly empty, is the last one.
func (handler *Handler) sendFile() (int64, error) {
	file, err := handler.fs.OpenForRead(handler.Filename)
	if err != nil {
		handler.sendError(asTFTPError(err))
		return 0, err
	}
	defer file.Close()

	var sent int64
	buf := make([]byte, blockSize)
	for block := uint16(1); ; block++ {
		n, err := readChunk(file, buf)
		if err != nil {
			handler.sendError(asTFTPError(err))
			return sent, err
		}
		err = handler.exchange(encodeData(block, buf[:n]), func(pak []byte) (bool, error) {
			acked, err := decodeAck(pak)
			if err != nil {
				handler.log.WithError(err).Debug("tftp: ignoring packet")
				return false, nil
			}
			// An ACK for an earlier block is a delayed duplicate. Answering it would
			// start a second, parallel stream of DATA packets.
			return acked == block, nil
		})
		if err != nil {
			return sent, err
		}
		sent += int64(n)
		if n < blockSize {
			return sent, nil
		}
	}
}

// receiveFile serves a write request: ACK(0) announces readiness and every DATA(n) is written and
// answered with ACK(n). The file is removed again unless the transfer completes.
func (handler *Handler) receiveFile() (int64, error) {
	upload, err := handler.fs.OpenForWrite(handler.Filename)
	if err != nil {
		handler.sendError(asTFTPError(err))
		return 0, err
	}
	complete := false
	defer func() {
		if complete {
			return
		}
		if err := upload.Discard(); err != nil {
			handler.log.WithError(err).Warn("tftp: removing partial upload")
		}
	}()

	var (
		received int64
		block    uint16
		ack      = encodeAck(0)
	)
	for {
		want := block + 1
		var payload []byte
		err := handler.exchange(ack, func(pak []byte) (bool, error) {
			got, data, err := decodeData(pak)
			if err != nil {
				handler.log.WithError(err).Debug("tftp: ignoring packet")
				return false, nil
			}
			switch {
			case got == want:
				payload = data
				return true, nil
			case int16(got-want) < 0:
				// Our ACK for this block was lost; the data is already on disk.
				return false, handler.send(handler.lastPacket)
			default:
				return false, nil
			}
		})
		if err != nil {
			return received, err
		}

		if err := writeChunk(upload, payload); err != nil {
			handler.sendError(asTFTPError(err))
			return received, err
		}
		received += int64(len(payload))
		block = want
		ack = encodeAck(block)

		if len(payload) < blockSize {
			if err := upload.Close(); err != nil {
				err = errDiskFull.fmt("%v", unwrapPathError(err))
				handler.sendError(asTFTPError(err))
				return received, err
			}
			complete = true
			if err := handler.send(ack); err != nil {
				return received, err
			}
			handler.dally(block)
			return received, nil
		}
	}
}

// dally waits one timeout after the final ACK and repeats it for every repeated final DATA. The file is
// already complete, so nothing received here can fail the transfer.
func (handler *Handler) dally(last uint16) {
	deadline := time.Now().Add(handler.timeout)
	for {
		pak, err := handler.conn.ReadPacket(time.Until(deadline))
		if err != nil {
			return
		}
		if got, _, err := decodeData(pak); err == nil && got == last {
			handler.retransmits++
			if err := handler.send(handler.lastPacket); err != nil {
				return
			}
		}
	}
}
