// Copyright (c) 2019, Benjamin Shields. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tftp

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Transport is the packet exchange a transfer session runs over. It is always bound to exactly one peer.
type Transport interface {
	// WritePacket sends one datagram to the peer.
	WritePacket(pak []byte) error

	// ReadPacket waits up to timeout for the next datagram from the peer and returns ErrTimeout if none
	// arrives. The returned slice is only valid until the next call.
	ReadPacket(timeout time.Duration) ([]byte, error)

	Close() error
}

// Conn is a Transport over a UDP socket bound to an ephemeral port and connected to a single client,
// so datagrams from any other address never reach the session.
type Conn struct {
	// rwc is the underlying network connection.
	rwc *net.UDPConn

	buffer []byte // buffer holds the data last read from rwc
}

// DialConn opens a session socket on an ephemeral port of localIP (any address when nil) and
// connects it to remote.
func DialConn(localIP net.IP, remote *net.UDPAddr) (*Conn, error) {
	var laddr *net.UDPAddr
	if localIP != nil {
		laddr = &net.UDPAddr{IP: localIP, Zone: remote.Zone} // :0 tells the OS to assign an ephemeral port
	}
	uc, err := net.DialUDP("udp", laddr, remote)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %v", remote)
	}
	return &Conn{rwc: uc, buffer: make([]byte, bufferSize)}, nil
}

func (c *Conn) LocalAddr() net.Addr {
	return c.rwc.LocalAddr()
}

func (c *Conn) WritePacket(pak []byte) error {
	_, err := c.rwc.Write(pak)
	return err
}

func (c *Conn) ReadPacket(timeout time.Duration) ([]byte, error) {
	if err := c.rwc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	n, err := c.rwc.Read(c.buffer)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, ErrTimeout
		}
		return nil, err
	}
	return c.buffer[:n], nil
}

func (c *Conn) Close() error {
	return c.rwc.Close()
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// Packet is a datagram received on the listening socket.
type Packet struct {
	from *net.UDPAddr
	to   net.IP // local address the datagram was sent to, nil if unknown
	data []byte
	error
}

// requestReader owns the well-known socket the server receives requests on.
type requestReader struct {
	rwc *net.UDPConn

	// p4 and p6 are set when the socket is bound to a wildcard address and the platform reports the
	// destination address of each datagram.
	p4 *ipv4.PacketConn
	p6 *ipv6.PacketConn

	buffer []byte
}

func newRequestReader(addr string) (*requestReader, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %q", addr)
	}
	uc, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %q", addr)
	}
	r := &requestReader{rwc: uc, buffer: make([]byte, bufferSize)}
	if laddr.IP == nil || laddr.IP.IsUnspecified() {
		r.enableDestinationInfo()
	}
	return r, nil
}

func (r *requestReader) enableDestinationInfo() {
	p4 := ipv4.NewPacketConn(r.rwc)
	if err := p4.SetControlMessage(ipv4.FlagDst, true); err == nil {
		r.p4 = p4
		return
	}
	p6 := ipv6.NewPacketConn(r.rwc)
	if err := p6.SetControlMessage(ipv6.FlagDst, true); err == nil {
		r.p6 = p6
	}
}

func (r *requestReader) Read() Packet {
	var (
		n    int
		addr net.Addr
		dst  net.IP
		err  error
	)
	switch {
	case r.p4 != nil:
		var cm *ipv4.ControlMessage
		n, cm, addr, err = r.p4.ReadFrom(r.buffer) // this call blocks
		if cm != nil {
			dst = cm.Dst
		}
	case r.p6 != nil:
		var cm *ipv6.ControlMessage
		n, cm, addr, err = r.p6.ReadFrom(r.buffer)
		if cm != nil {
			dst = cm.Dst
		}
	default:
		n, addr, err = r.rwc.ReadFrom(r.buffer)
	}
	if err != nil {
		return Packet{error: err}
	}
	from, ok := addr.(*net.UDPAddr)
	if !ok {
		return Packet{error: errors.Errorf("unexpected source address %v", addr)}
	}
	data := make([]byte, n)
	copy(data, r.buffer[:n])
	return Packet{from: from, to: dst, data: data}
}

// ReadContinuously delivers packets until the socket is closed. The channel is closed once the
// read loop has stopped.
func (r *requestReader) ReadContinuously(quit <-chan struct{}) <-chan Packet {
	out := make(chan Packet)
	go func() {
		defer close(out)
		for {
			pak := r.Read()
			if pak.error != nil && errors.Is(pak.error, net.ErrClosed) {
				return
			}
			select {
			case out <- pak:
			case <-quit:
				return
			}
		}
	}()
	return out
}

// WriteTo sends a packet from the well-known socket. It is only used to reject requests.
func (r *requestReader) WriteTo(pak []byte, addr *net.UDPAddr) error {
	_, err := r.rwc.WriteToUDP(pak, addr)
	return err
}

func (r *requestReader) LocalAddr() net.Addr {
	return r.rwc.LocalAddr()
}

func (r *requestReader) Close() error {
	return r.rwc.Close()
}
