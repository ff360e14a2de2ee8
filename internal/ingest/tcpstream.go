package ingest

import (
	"bufio"
	"context"
	"errors"
	"net"
)

// StartTCPStream accepts newline separated scans on a TCP listener and
// returns its address, or nil when disabled or the listen failed.
func StartTCPStream(ctx context.Context, p *Pipeline) net.Addr {
	current := p.cfg.Get().Ingest.TCPStream
	if !current.Enabled {
		p.logger.Info("tcp stream ingest disabled")
		return nil
	}
	ln, err := net.Listen("tcp", current.Addr)
	if err != nil {
		p.logger.Error("tcp stream listen error", "err", err)
		return nil
	}
	p.logger.Info("tcp stream ingest enabled", "addr", ln.Addr().String())
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				p.logger.Warn("tcp stream accept error", "err", err)
				continue
			}
			go p.handleTCPStreamConn(ctx, conn)
		}
	}()
	return ln.Addr()
}

func (p *Pipeline) handleTCPStreamConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	parser := NewParser()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	for scanner.Scan() {
		p.HandleLine(ctx, parser, scanner.Text(), "tcp_stream")
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
	if err := scanner.Err(); err != nil {
		p.logger.Warn("tcp stream scanner error", "err", err)
	}
}
