package ingest

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"

	"agentpulse/internal/config"
)

func StartTCPStream(ctx context.Context, cfg *config.Manager, sink Sink, logger *slog.Logger) {
	current := cfg.Get().Ingest.TCPStream
	if !current.Enabled {
		if logger != nil {
			logger.Info("tcp stream ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("tcp stream ingest enabled", "addr", current.Addr)
	}
	ln, err := net.Listen("tcp", current.Addr)
	if err != nil {
		if logger != nil {
			logger.Error("tcp stream listen error", "err", err)
		}
		return
	}
	go ServeTCPStream(ctx, ln, sink, logger)
}

// ServeTCPStream accepts NDJSON producers on ln until ctx ends. Each line is
// answered with one JSON result line.
func ServeTCPStream(ctx context.Context, ln net.Listener, sink Sink, logger *slog.Logger) {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if logger != nil {
				logger.Warn("tcp stream accept error", "err", err)
			}
			continue
		}
		go handleTCPStreamConn(ctx, conn, sink, logger)
	}
}

func handleTCPStreamConn(ctx context.Context, conn net.Conn, sink Sink, logger *slog.Logger) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	w := bufio.NewWriter(conn)
	for scanner.Scan() {
		res, ok := ingestLine(ctx, sink, SourceTCPStream, scanner.Bytes(), logger)
		if ok {
			_, _ = w.Write(encodeResult(res))
			if err := w.Flush(); err != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
	if err := scanner.Err(); err != nil && logger != nil {
		logger.Warn("tcp stream scanner error", "err", err)
	}
}
