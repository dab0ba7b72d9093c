package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/migadu/sievebridge/pkg/metrics"
	"github.com/migadu/sievebridge/server/websocket"
)

const pumpBufferSize = 32 * 1024

// Reasons a pump ended.
const (
	EndClientClosed  = "client_closed"
	EndBackendClosed = "backend_closed"
	EndIdle          = "idle"
	EndShutdown      = "shutdown"
	EndError         = "error"
)

// PumpResult summarizes a finished relay.
type PumpResult struct {
	ToBackend int64
	ToClient  int64
	Reason    string
}

// Backend is the sieve side of a relay.
type Backend interface {
	io.ReadWriteCloser
}

// Pump relays websocket messages to the backend and backend bytes to the
// websocket as text frames until either side closes, an error occurs, or
// no traffic passes for idleTimeout. Cancelling ctx ends the relay too.
// Both endpoints are closed on return.
func Pump(ctx context.Context, ws *websocket.Conn, backend Backend, idleTimeout time.Duration, log *slog.Logger) PumpResult {
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		result    PumpResult
		closeOnce sync.Once
	)
	closeBoth := func() {
		closeOnce.Do(func() {
			backend.Close()
			ws.Close()
		})
	}
	setReason := func(reason string) {
		mu.Lock()
		if result.Reason == "" {
			result.Reason = reason
		}
		mu.Unlock()
	}

	watchdog := newIdleWatchdog(idleTimeout, closeBoth)
	defer watchdog.Stop()
	// Keepalive pings count as client activity.
	ws.SetControlHandler(func(websocket.Opcode) { watchdog.touch() })

	stop := context.AfterFunc(ctx, func() {
		ws.SetDeadline(time.Now().Add(time.Second))
		ws.WriteClose(websocket.CloseGoingAway, "server shutting down")
		closeBoth()
	})
	defer stop()

	// Client to backend
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer closeBoth()

		for {
			_, msg, err := ws.ReadMessage()
			if err != nil {
				var ce *websocket.CloseError
				switch {
				case errors.As(err, &ce):
					log.Debug("Client closed websocket", "code", ce.Code, "reason", ce.Reason)
					setReason(EndClientClosed)
				case errors.Is(err, io.EOF), isClosingError(err):
					setReason(EndClientClosed)
				default:
					recordWebsocketError(err)
					log.Warn("Error reading from websocket", "error", err)
					setReason(EndError)
				}
				return
			}
			watchdog.touch()

			n, err := backend.Write(msg)
			mu.Lock()
			result.ToBackend += int64(n)
			mu.Unlock()
			metrics.BytesThroughput.WithLabelValues("to_backend").Add(float64(n))
			if err != nil {
				if !isClosingError(err) {
					log.Warn("Error writing to backend", "error", err)
				}
				setReason(EndError)
				return
			}
		}
	}()

	// Backend to client
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer closeBoth()

		buf := make([]byte, pumpBufferSize)
		pending := 0
		for {
			n, err := backend.Read(buf[pending:])
			data := buf[:pending+n]
			if n > 0 {
				watchdog.touch()
			}

			// Hold back a trailing partial UTF-8 sequence so every text
			// frame is valid on its own; flush it when the stream ends.
			send, rest := data, data[len(data):]
			if err == nil {
				send, rest = splitUTF8(data)
			}
			if len(send) > 0 {
				if werr := ws.WriteText(send); werr != nil {
					if !errors.Is(werr, websocket.ErrCloseSent) && !isClosingError(werr) {
						log.Warn("Error writing to websocket", "error", werr)
					}
					setReason(EndError)
					return
				}
				mu.Lock()
				result.ToClient += int64(len(send))
				mu.Unlock()
				metrics.BytesThroughput.WithLabelValues("to_client").Add(float64(len(send)))
			}
			pending = copy(buf, rest)

			if err != nil {
				if errors.Is(err, io.EOF) {
					log.Debug("Backend closed connection")
					setReason(EndBackendClosed)
					ws.WriteClose(websocket.CloseNormal, "")
				} else if !isClosingError(err) {
					log.Warn("Error reading from backend", "error", err)
					setReason(EndError)
					ws.WriteClose(websocket.CloseInternalError, "backend error")
				}
				return
			}
		}
	}()

	wg.Wait()

	switch {
	case watchdog.Fired():
		result.Reason = EndIdle
	case ctx.Err() != nil:
		result.Reason = EndShutdown
	}
	if result.Reason == "" {
		result.Reason = EndError
	}
	return result
}

// splitUTF8 splits p before a trailing incomplete UTF-8 sequence.
func splitUTF8(p []byte) (complete, rest []byte) {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if utf8.RuneStart(p[i]) {
			if !utf8.FullRune(p[i:]) {
				return p[:i], p[i:]
			}
			break
		}
	}
	return p, nil
}

func recordWebsocketError(err error) {
	var kind string
	switch {
	case errors.Is(err, websocket.ErrNotMasked):
		kind = "not_masked"
	case errors.Is(err, websocket.ErrFrameTooLarge):
		kind = "too_large"
	case errors.Is(err, websocket.ErrProtocol):
		kind = "framing"
	default:
		return
	}
	metrics.ProtocolErrors.WithLabelValues("websocket", kind).Inc()
}

func isClosingError(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
