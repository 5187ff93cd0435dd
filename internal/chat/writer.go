package chat

import (
	"bufio"
	"net"
)

// StartOutboundWriter writes every line from out to conn until out is
// closed. The returned channel is closed when the writer has stopped.
func StartOutboundWriter(conn net.Conn, out <-chan string) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		w := bufio.NewWriter(conn)
		for msg := range out {
			// Best-effort. If the connection breaks, stop writing but keep
			// draining until out is closed.
			if _, err := w.WriteString(msg + "\n"); err != nil {
				break
			}
			// Batch lines that are already queued into one flush.
			if len(out) > 0 {
				continue
			}
			if err := w.Flush(); err != nil {
				break
			}
		}
		for range out {
		}
	}()
	return done
}
