package stream

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"time"
)

// The wire protocol is newline-delimited JSON over a TLS TCP connection.
// transport owns one connection and its line framing; the session owns the
// transport's lifecycle.
type transport struct {
	conn   net.Conn
	reader *bufio.Reader
}

// dialFunc opens the raw connection; the default dials TLS, tests substitute
// a plain TCP dialer against an in-process listener.
type dialFunc func(ctx context.Context) (net.Conn, error)

func tlsDialer(endpoint string, insecure bool) dialFunc {
	return func(ctx context.Context) (net.Conn, error) {
		d := &tls.Dialer{
			NetDialer: &net.Dialer{Timeout: 10 * time.Second},
			Config:    &tls.Config{InsecureSkipVerify: insecure},
		}
		return d.DialContext(ctx, "tcp", endpoint)
	}
}

func newTransport(conn net.Conn, readBuffer int) *transport {
	if readBuffer <= 0 {
		readBuffer = 8 * 1024 * 1024
	}
	return &transport{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, readBuffer),
	}
}

// readLine blocks until one full frame arrives or the deadline passes. The
// deadline doubles as the silent-death detector: it is set comfortably above
// the heartbeat interval, so an expired read means the connection is gone.
func (t *transport) readLine(deadline time.Duration) ([]byte, error) {
	if deadline > 0 {
		if err := t.conn.SetReadDeadline(time.Now().Add(deadline)); err != nil {
			return nil, err
		}
	}
	line, err := t.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return line, nil
}

// writeJSON sends one frame terminated by the protocol's line delimiter.
func (t *transport) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\r', '\n')
	if err := t.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	_, err = t.conn.Write(data)
	return err
}

func (t *transport) close() {
	t.conn.Close()
}
