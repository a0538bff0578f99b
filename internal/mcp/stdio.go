package mcp

import (
	"bufio"
	"context"
	"io"
	"sync"

	pkgerrors "github.com/pkg/errors"
)

const maxMessageSize = 1 << 20

// ServeStdio reads newline-delimited JSON-RPC messages from in and writes one reply
// per line to out. Tool calls run concurrently, so replies may arrive out of order
// and are matched by id. notifications/cancelled stops the named call. It returns
// nil at EOF once running calls are answered.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	w := &lineWriter{w: out}
	c, sessCtx, err := s.openConn(ctx, w.writeLine)
	if err != nil {
		return err
	}
	defer c.close(sessCtx)

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), maxMessageSize)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			readErr <- pkgerrors.Wrap(err, "read stdin")
		}
	}()

	s.log.WithField("session", c.SessionID()).Info("mcp_stdio_started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					return err
				default:
					s.log.Info("mcp_stdio_eof")
					return nil
				}
			}
			c.dispatch(sessCtx, line, w.writeLine)
		}
	}
}

// lineWriter serializes replies so concurrent handlers never interleave bytes.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lineWriter) writeLine(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	_, err := l.w.Write(buf)
	return err
}
