package quicmux

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
)

// Proxy protocol carried over the first bytes of each stream: a
// version byte, an address, and a port; the reply echoes a status and
// the bound address.
const (
	proxyVersion byte = 0x01

	statusSuccess    byte = 0x00
	statusFailure    byte = 0x01
	statusBadRequest byte = 0x02

	addrTypeIPv4   byte = 0x01
	addrTypeDomain byte = 0x03
	addrTypeIPv6   byte = 0x04
)

// buildProxyRequest encodes a CONNECT request for host:port.
func buildProxyRequest(address string) ([]byte, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 8+len(host))
	buf = append(buf, proxyVersion)

	ip := net.ParseIP(host)
	if ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			buf = append(buf, addrTypeIPv4)
			buf = append(buf, ip4...)
		} else {
			buf = append(buf, addrTypeIPv6)
			buf = append(buf, ip.To16()...)
		}
	} else {
		if len(host) > 255 {
			return nil, errors.New("domain name too long")
		}
		buf = append(buf, addrTypeDomain, byte(len(host)))
		buf = append(buf, []byte(host)...)
	}

	return binary.BigEndian.AppendUint16(buf, uint16(port)), nil
}

// readProxyRequest parses a CONNECT request into host:port.
func readProxyRequest(r io.Reader) (string, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(r, header); err != nil {
		return "", err
	}
	if header[0] != proxyVersion {
		return "", fmt.Errorf("unsupported proxy version: %d", header[0])
	}
	host, err := readAddress(r, header[1])
	if err != nil {
		return "", err
	}
	portBytes := make([]byte, 2)
	if _, err := io.ReadFull(r, portBytes); err != nil {
		return "", err
	}
	port := binary.BigEndian.Uint16(portBytes)
	return net.JoinHostPort(host, strconv.Itoa(int(port))), nil
}

func readAddress(r io.Reader, atyp byte) (string, error) {
	switch atyp {
	case addrTypeIPv4:
		buf := make([]byte, 4)
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		return net.IP(buf).String(), nil
	case addrTypeIPv6:
		buf := make([]byte, 16)
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		return net.IP(buf).String(), nil
	case addrTypeDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return "", err
		}
		buf := make([]byte, int(lenBuf[0]))
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		return string(buf), nil
	default:
		return "", errors.New("unsupported address type")
	}
}

func readAddressBytes(r io.Reader, atyp byte) ([]byte, error) {
	switch atyp {
	case addrTypeIPv4:
		buf := make([]byte, 4)
		_, err := io.ReadFull(r, buf)
		return buf, err
	case addrTypeIPv6:
		buf := make([]byte, 16)
		_, err := io.ReadFull(r, buf)
		return buf, err
	case addrTypeDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return nil, err
		}
		buf := make([]byte, int(lenBuf[0]))
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		return append([]byte{lenBuf[0]}, buf...), nil
	default:
		return nil, errors.New("unsupported address type")
	}
}

func writeProxyReply(w io.Writer, status byte, atyp byte, addr []byte, port uint16) error {
	buf := make([]byte, 0, 6+len(addr))
	buf = append(buf, proxyVersion, status, atyp)
	buf = append(buf, addr...)
	buf = binary.BigEndian.AppendUint16(buf, port)
	_, err := w.Write(buf)
	return err
}

// readProxyReply parses a reply and returns its status.
func readProxyReply(r io.Reader) (byte, error) {
	header := make([]byte, 3)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, err
	}
	if header[0] != proxyVersion {
		return 0, fmt.Errorf("unsupported proxy version: %d", header[0])
	}
	if _, err := readAddressBytes(r, header[2]); err != nil {
		return 0, err
	}
	portBytes := make([]byte, 2)
	if _, err := io.ReadFull(r, portBytes); err != nil {
		return 0, err
	}
	return header[1], nil
}

// addrToReply converts the bound local address of an upstream dial
// into reply fields.
func addrToReply(addr net.Addr) (byte, []byte, uint16, error) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return 0, nil, 0, fmt.Errorf("unexpected address type %T", addr)
	}
	if ip4 := tcpAddr.IP.To4(); ip4 != nil {
		return addrTypeIPv4, ip4, uint16(tcpAddr.Port), nil
	}
	return addrTypeIPv6, tcpAddr.IP.To16(), uint16(tcpAddr.Port), nil
}
