package socks5

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
)

type request struct {
	command byte
	address string
}

func readRequest(conn net.Conn) (request, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return request{}, err
	}
	if header[0] != socksVersion || header[2] != 0x00 {
		return request{}, errors.New("invalid request header")
	}

	host, err := readAddress(conn, header[3])
	if err != nil {
		return request{}, err
	}
	portBytes := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBytes); err != nil {
		return request{}, err
	}
	port := binary.BigEndian.Uint16(portBytes)
	return request{
		command: header[1],
		address: net.JoinHostPort(host, strconv.Itoa(int(port))),
	}, nil
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

func writeAuthReply(conn net.Conn, status byte) error {
	_, err := conn.Write([]byte{userPassVersion, status})
	return err
}

func writeReply(conn net.Conn, reply byte, atyp byte, addr []byte, port uint16) error {
	buf := make([]byte, 0, 6+len(addr))
	buf = append(buf, socksVersion, reply, 0x00, atyp)
	buf = append(buf, addr...)
	buf = binary.BigEndian.AppendUint16(buf, port)
	_, err := conn.Write(buf)
	return err
}

func containsMethod(methods []byte, target byte) bool {
	for _, method := range methods {
		if method == target {
			return true
		}
	}
	return false
}
