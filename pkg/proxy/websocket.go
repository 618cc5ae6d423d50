package proxy

import (
	"bufio"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/snoopwire/snoopwire/pkg/capture"
)

// relayWebSocket takes over an upgraded connection: the accepted 101
// is relayed to the client, then frames are pumped in both directions.
// Data frames on captured flows are appended to the store as they pass
// through; the relay never injects or withholds frames. Returns false:
// an upgraded connection is never reused for HTTP.
func (e *Engine) relayWebSocket(clientConn net.Conn, clientBuf *bufio.Reader, upConn net.Conn, upBuf *bufio.Reader, resp *http.Response, id int64, captured bool) bool {
	resp.Body = http.NoBody
	if err := resp.Write(clientConn); err != nil {
		e.logConnError("writing upgrade response", err, "id", id)
		return false
	}

	e.log.Debug("websocket upgraded", "id", id, "captured", captured)

	// Closing both ends unblocks whichever pump is still reading.
	var once sync.Once
	teardown := func() {
		once.Do(func() {
			_ = clientConn.Close()
			_ = upConn.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer teardown()
		err := e.pumpFrames(clientBuf, upConn, ws.StateServerSide, true, id, captured)
		e.logPumpEnd(err, id, "client")
	}()

	go func() {
		defer wg.Done()
		defer teardown()
		err := e.pumpFrames(upBuf, clientConn, ws.StateClientSide, false, id, captured)
		e.logPumpEnd(err, id, "server")
	}()

	wg.Wait()
	return false
}

// pumpFrames relays frames from src to dst, recording data frames when
// captured. state selects the unmasking side: StateServerSide when
// reading frames sent by the client.
func (e *Engine) pumpFrames(src io.Reader, dst io.Writer, state ws.State, fromClient bool, id int64, captured bool) error {
	reader := wsutil.NewReader(src, state)

	for {
		header, err := reader.NextFrame()
		if err != nil {
			return err
		}

		payload, err := io.ReadAll(reader)
		if err != nil {
			return err
		}

		if captured && (header.OpCode == ws.OpText || header.OpCode == ws.OpBinary) {
			msg := capture.WebSocketMessage{
				FromClient: fromClient,
				Content:    append([]byte(nil), payload...),
				Binary:     header.OpCode == ws.OpBinary,
				Date:       time.Now(),
			}
			if err := e.store.AppendWSMessage(id, msg); err != nil {
				e.log.Error("storing websocket message", "id", id, "error", err)
			}
		}

		// Client-bound frames are unmasked, server-bound re-masked.
		if fromClient {
			err = wsutil.WriteClientMessage(dst, header.OpCode, payload)
		} else {
			err = wsutil.WriteServerMessage(dst, header.OpCode, payload)
		}
		if err != nil {
			return err
		}

		if header.OpCode == ws.OpClose {
			return nil
		}
	}
}

// logPumpEnd reports how a relay direction finished.
func (e *Engine) logPumpEnd(err error, id int64, side string) {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		e.log.Debug("websocket relay finished", "id", id, "side", side)
		return
	}
	e.logConnError("websocket relay", err, "id", id, "side", side)
}
