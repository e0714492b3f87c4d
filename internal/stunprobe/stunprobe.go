// Package stunprobe sends RFC 5389 STUN Binding Requests and parses
// the XOR-MAPPED-ADDRESS attribute out of the response, over UDP and
// over TCP.
//
// Wire encode/decode is delegated to github.com/pion/stun/v3; this
// package only adds the transport-level behavior spec.md §4.1 asks
// for: UDP probes never wait for their own reply (the mapper's main
// loop correlates replies separately), and TCP probes dial a fresh,
// address-reusing, IPv4-only connection per probe, because STUN over
// TCP closes the connection after one response.
package stunprobe

import (
	"context"
	"fmt"
	"net"

	"github.com/pion/stun/v3"

	"github.com/hlandau/nat2/internal/mapping"
)

// ProbeUDP sends a single Binding Request to server over conn and
// returns the transaction ID embedded in it. It never reads a reply;
// the caller is expected to correlate replies arriving on conn against
// the returned ID itself.
func ProbeUDP(conn *net.UDPConn, server *net.UDPAddr) (stun.TransactionID, error) {
	msg := new(stun.Message)
	if err := msg.Build(stun.TransactionID, stun.BindingRequest); err != nil {
		return stun.TransactionID{}, fmt.Errorf("stunprobe: build request: %w", err)
	}

	if _, err := conn.WriteToUDP(msg.Raw, server); err != nil {
		return stun.TransactionID{}, fmt.Errorf("stunprobe: send to %s: %w", server, err)
	}

	return msg.TransactionID, nil
}

// DecodeUDPReply parses a datagram received on the mapper's socket as
// a STUN message and extracts its transaction ID and, if present, its
// XOR-MAPPED-ADDRESS attribute.
func DecodeUDPReply(buf []byte) (stun.TransactionID, mapping.MappedAddress, error) {
	msg := &stun.Message{Raw: buf}
	if err := msg.Decode(); err != nil {
		return stun.TransactionID{}, mapping.MappedAddress{}, fmt.Errorf("stunprobe: decode reply: %w", err)
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(msg); err != nil {
		return msg.TransactionID, mapping.MappedAddress{}, fmt.Errorf("stunprobe: no xor-mapped-address: %w", err)
	}

	ip4 := xorAddr.IP.To4()
	if ip4 == nil {
		return msg.TransactionID, mapping.MappedAddress{}, fmt.Errorf("stunprobe: reflexive address %s is not ipv4", xorAddr.IP)
	}

	return msg.TransactionID, mapping.MappedAddress{IP: ip4, Port: uint16(xorAddr.Port)}, nil
}

// ProbeTCP opens a fresh TCP connection from localAddr to server
// (IPv4 only, address-reusing so the same local port can be reused
// across probes and the keepalive stream), sends one Binding Request,
// reads exactly one STUN message in reply, and returns its
// XOR-MAPPED-ADDRESS.
func ProbeTCP(ctx context.Context, localAddr, server *net.TCPAddr) (mapping.MappedAddress, error) {
	conn, err := DialReuse(ctx, localAddr, server)
	if err != nil {
		return mapping.MappedAddress{}, fmt.Errorf("stunprobe: dial %s: %w", server, err)
	}
	defer conn.Close()

	msg := new(stun.Message)
	if err := msg.Build(stun.TransactionID, stun.BindingRequest); err != nil {
		return mapping.MappedAddress{}, fmt.Errorf("stunprobe: build request: %w", err)
	}
	if _, err := conn.Write(msg.Raw); err != nil {
		return mapping.MappedAddress{}, fmt.Errorf("stunprobe: send request: %w", err)
	}

	raw, err := readMessage(conn)
	if err != nil {
		return mapping.MappedAddress{}, err
	}

	reply := &stun.Message{Raw: raw}
	if err := reply.Decode(); err != nil {
		return mapping.MappedAddress{}, fmt.Errorf("stunprobe: decode reply: %w", err)
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(reply); err != nil {
		return mapping.MappedAddress{}, fmt.Errorf("stunprobe: no xor-mapped-address: %w", err)
	}

	ip4 := xorAddr.IP.To4()
	if ip4 == nil {
		return mapping.MappedAddress{}, fmt.Errorf("stunprobe: reflexive address %s is not ipv4", xorAddr.IP)
	}

	return mapping.MappedAddress{IP: ip4, Port: uint16(xorAddr.Port)}, nil
}

// readMessage reads a STUN message framed the same way over TCP as
// over UDP (no length-prefixed outer framing): a 20-byte header
// (2-byte type, 2-byte length, 4-byte magic cookie, 12-byte
// transaction id) followed by exactly `length` bytes of attributes.
func readMessage(conn net.Conn) ([]byte, error) {
	header := make([]byte, stunHeaderSize)
	if _, err := readFull(conn, header); err != nil {
		return nil, fmt.Errorf("stunprobe: read header: %w", err)
	}

	attrLen := int(header[2])<<8 | int(header[3])
	body := make([]byte, attrLen)
	if attrLen > 0 {
		if _, err := readFull(conn, body); err != nil {
			return nil, fmt.Errorf("stunprobe: read body: %w", err)
		}
	}

	return append(header, body...), nil
}

// stunHeaderSize is the fixed STUN message header: 2 (type) + 2
// (length) + 4 (magic cookie) + 12 (transaction id).
const stunHeaderSize = 2 + 2 + 4 + 12

func readFull(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
		if m == 0 {
			return n, fmt.Errorf("stunprobe: connection closed with %d/%d bytes read", n, len(buf))
		}
	}
	return n, nil
}
