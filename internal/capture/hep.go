package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"sipwatch/internal/hep"
	"sipwatch/internal/metrics"
)

const hepListenerReadBufferSize = 65535

// HEPListener accepts HEP-encapsulated packets from remote agents over
// UDP, following spec.md §4.7: HEP input bypasses Link/IP/UDP dissection
// entirely and injects an already-classified (protocol, src, dst, payload,
// timestamp) record straight at the tree's SIP/RTP/RTCP nodes.
type HEPListener struct {
	addr string
	pass string // expected eep.listen.pass auth key; empty disables the check
	conn *net.UDPConn
}

// NewHEPListener constructs a listener bound to addr (host:port). pass, if
// non-empty, rejects frames whose AuthKey chunk does not match.
func NewHEPListener(addr, pass string) *HEPListener {
	return &HEPListener{addr: addr, pass: pass}
}

func (l *HEPListener) Open() error {
	udpAddr, err := net.ResolveUDPAddr("udp", l.addr)
	if err != nil {
		return fmt.Errorf("capture: resolve hep listen address %s: %w", l.addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("capture: listen hep udp %s: %w", l.addr, err)
	}
	l.conn = conn
	return nil
}

func (l *HEPListener) Close() error {
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}

// Run reads datagrams until ctx is cancelled or the socket closes, handing
// each successfully decoded and authenticated frame to onEvent.
func (l *HEPListener) Run(ctx context.Context, onEvent func(*hep.Decoded)) error {
	if l.conn == nil {
		return fmt.Errorf("capture: hep listener not open")
	}
	buf := make([]byte, hepListenerReadBufferSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, _, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			slog.Warn("hep listener read failed", "error", err)
			continue
		}

		decoded, err := hep.Decode(buf[:n])
		if err != nil {
			metrics.HEPDecodeErrorsTotal.Inc()
			slog.Debug("hep decode failed", "error", err)
			continue
		}
		if l.pass != "" && decoded.AuthKey != l.pass {
			metrics.HEPDecodeErrorsTotal.Inc()
			slog.Debug("hep frame rejected: auth key mismatch")
			continue
		}

		onEvent(decoded)
	}
}
