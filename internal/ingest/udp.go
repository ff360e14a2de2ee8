package ingest

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// StartUDP reads datagrams of newline separated scans and returns the
// bound address, or nil when disabled or the listen failed.
func StartUDP(ctx context.Context, p *Pipeline) net.Addr {
	current := p.cfg.Get().Ingest.UDP
	if !current.Enabled {
		p.logger.Info("udp ingest disabled")
		return nil
	}
	conn, err := net.ListenPacket("udp", current.Addr)
	if err != nil {
		p.logger.Error("udp listen error", "err", err)
		return nil
	}
	p.logger.Info("udp ingest enabled", "addr", conn.LocalAddr().String())
	go p.readDatagrams(ctx, conn)
	return conn.LocalAddr()
}

func (p *Pipeline) readDatagrams(ctx context.Context, conn net.PacketConn) {
	defer conn.Close()
	parser := NewParser()
	buf := make([]byte, 8192)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			p.logger.Warn("udp read error", "err", err)
			continue
		}
		for _, line := range strings.Split(string(buf[:n]), "\n") {
			p.OfferLine(ctx, parser, line, "udp")
		}
	}
}
