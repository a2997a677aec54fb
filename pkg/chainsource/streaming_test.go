package chainsource

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Arpeggio-Labs/chorus/pkg/event"
	"github.com/Arpeggio-Labs/chorus/pkg/ingest"
)

const testContract = "chorus.ev"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// captureSink records everything the source hands over.
type captureSink struct {
	mu     sync.Mutex
	got    []*event.AnchoredEvent
	clears int
}

func (c *captureSink) ProcessAnchor(ctx context.Context, in *event.AnchoredEvent) *ingest.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, in)
	return &ingest.Result{Status: ingest.StatusProcessed, ContentHash: in.ContentHash}
}

func (c *captureSink) ClearBlockWindow() {
	c.mu.Lock()
	c.clears++
	c.mu.Unlock()
}

func (c *captureSink) snapshot() []*event.AnchoredEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*event.AnchoredEvent(nil), c.got...)
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func (c *captureSink) clearCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clears
}

// wsEndpoint runs a websocket server whose handler is invoked once per
// connection, and returns its ws:// URL.
func wsEndpoint(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func recvRequest(conn *websocket.Conn) (getBlocksRequest, error) {
	var req getBlocksRequest
	_, data, err := conn.ReadMessage()
	if err != nil {
		return req, err
	}
	typ, payload, err := splitFrame(data)
	if err != nil {
		return req, err
	}
	if typ != "get_blocks_request_v0" {
		return req, fmt.Errorf("unexpected frame type %q", typ)
	}
	return req, json.Unmarshal(payload, &req)
}

func recvAck(conn *websocket.Conn) (uint32, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return 0, err
	}
	typ, payload, err := splitFrame(data)
	if err != nil {
		return 0, err
	}
	if typ != "get_blocks_ack_request_v0" {
		return 0, fmt.Errorf("unexpected frame type %q", typ)
	}
	var ack getBlocksAck
	if err := json.Unmarshal(payload, &ack); err != nil {
		return 0, err
	}
	return ack.NumMessages, nil
}

func blockFrame(num uint32, traces ...transactionTrace) []byte {
	res := getBlocksResult{
		Head:      &blockPosition{BlockNum: num + 100, BlockID: "head"},
		ThisBlock: &blockPosition{BlockNum: num, BlockID: fmt.Sprintf("block-%08d", num)},
		Block:     &signedBlock{Timestamp: "2026-01-15T10:30:00.000"},
		Traces:    traces,
	}
	data, err := json.Marshal(frame{"get_blocks_result_v0", res})
	if err != nil {
		panic(err)
	}
	return data
}

func trace(trx, status string, actions ...actionTrace) transactionTrace {
	return transactionTrace{ID: trx, Status: status, ActionTraces: actions}
}

func act(ordinal uint32, account, name string, data any) actionTrace {
	raw, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}
	return actionTrace{ActionOrdinal: ordinal, Act: action{Account: account, Name: name, Data: raw}}
}

func TestStreaming_DeliversAnchors(t *testing.T) {
	aHash := strings.Repeat("ab", 32)
	putPayload := map[string]any{
		"author": "alice",
		"type":   21,
		// Uppercase on the wire, normalized on the way in.
		"hash": strings.ToUpper(aHash),
		"ts":   1700000000,
		"tags": []string{"rock"},
	}
	votePayload := map[string]any{"voter": "bob", "weight": 3}

	sink := &captureSink{}
	reqCh := make(chan getBlocksRequest, 1)
	url := wsEndpoint(t, func(conn *websocket.Conn) {
		req, err := recvRequest(conn)
		if err != nil {
			return
		}
		reqCh <- req
		// Block 10 carries a put, a foreign action, a vote, plus a failed
		// transaction that must not be ingested.
		conn.WriteMessage(websocket.TextMessage, blockFrame(10,
			trace("trx-1", "executed",
				act(1, testContract, "put", putPayload),
				act(2, "eosio.token", "transfer", map[string]any{"to": "x"}),
				act(3, testContract, "vote", votePayload),
			),
			trace("trx-2", "hard_fail",
				act(1, testContract, "put", putPayload),
			),
		))
		if _, err := recvAck(conn); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, blockFrame(11))
		recvAck(conn)
		conn.ReadMessage()
	})

	src, err := NewStreamingSource(StreamingConfig{
		URL:              url,
		ContractAccount:  testContract,
		StartBlock:       10,
		EndBlock:         11,
		IrreversibleOnly: true,
		ReconnectDelay:   10 * time.Millisecond,
		Logger:           quietLogger(),
	}, sink)
	require.NoError(t, err)
	require.NoError(t, src.Start(context.Background()))

	select {
	case <-src.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not complete")
	}
	require.NoError(t, src.Err())

	// The block request carries the configured window.
	req := <-reqCh
	assert.Equal(t, uint32(10), req.StartBlockNum)
	assert.Equal(t, uint32(12), req.EndBlockNum)
	assert.Equal(t, uint32(5), req.MaxMessagesInFlight)
	assert.True(t, req.IrreversibleOnly)
	assert.True(t, req.FetchBlock)
	assert.True(t, req.FetchTraces)
	assert.False(t, req.FetchDeltas)

	anchors := sink.snapshot()
	require.Len(t, anchors, 2)

	put := anchors[0]
	assert.Equal(t, aHash, put.ContentHash)
	assert.Equal(t, "put", put.ActionName)
	assert.Equal(t, testContract, put.ContractAccount)
	assert.Equal(t, uint32(10), put.BlockNum)
	assert.Equal(t, "block-00000010", put.BlockID)
	assert.Equal(t, "trx-1", put.TrxID)
	assert.Equal(t, uint32(1), put.ActionOrdinal)
	assert.Equal(t, "streaming", put.Source)
	assert.Equal(t, "2026-01-15T10:30:00.000", put.Timestamp)
	assert.NotEqual(t, put.ContentHash, put.EventHash, "put content hash comes from the anchor, not the payload digest")
	expectedPut, _ := json.Marshal(putPayload)
	assert.JSONEq(t, string(expectedPut), string(put.Payload))

	vote := anchors[1]
	voteRaw, _ := json.Marshal(votePayload)
	sum := sha256.Sum256(voteRaw)
	assert.Equal(t, hex.EncodeToString(sum[:]), vote.ContentHash)
	assert.Equal(t, vote.ContentHash, vote.EventHash, "non-put actions are identified by their payload digest")
	assert.Equal(t, uint32(3), vote.ActionOrdinal)

	assert.Equal(t, 2, sink.clearCount(), "position window cleared once per block")
	stats := src.Stats()
	assert.Equal(t, uint64(2), stats["blocks"])
	assert.Equal(t, uint64(2), stats["anchors"])
	assert.Equal(t, uint64(0), stats["reconnects"])
	assert.Equal(t, uint32(12), stats["next_block"])
}

func TestStreaming_BinaryFrameFailsStart(t *testing.T) {
	url := wsEndpoint(t, func(conn *websocket.Conn) {
		if _, err := recvRequest(conn); err != nil {
			return
		}
		conn.WriteMessage(websocket.BinaryMessage, []byte{0xde, 0xad, 0xbe, 0xef})
		conn.ReadMessage()
	})

	src, err := NewStreamingSource(StreamingConfig{
		URL:             url,
		ContractAccount: testContract,
		Logger:          quietLogger(),
	}, &captureSink{})
	require.NoError(t, err)

	err = src.Start(context.Background())
	require.ErrorIs(t, err, ErrBinaryFraming)

	// Nothing was left running.
	select {
	case <-src.Done():
	default:
		t.Fatal("source reports itself running after a failed start")
	}
	require.NoError(t, src.Stop(context.Background()))
}

func TestStreaming_ReconnectResumesFromNextBlock(t *testing.T) {
	putPayload := map[string]any{"author": "alice", "type": 21, "hash": strings.Repeat("cd", 32)}

	var conns atomic.Int32
	reqCh := make(chan getBlocksRequest, 4)
	sink := &captureSink{}
	url := wsEndpoint(t, func(conn *websocket.Conn) {
		n := conns.Add(1)
		req, err := recvRequest(conn)
		if err != nil {
			return
		}
		reqCh <- req
		if n == 1 {
			conn.WriteMessage(websocket.TextMessage, blockFrame(5,
				trace("trx-a", "executed", act(1, testContract, "put", putPayload))))
			recvAck(conn)
			conn.Close()
			return
		}
		conn.WriteMessage(websocket.TextMessage, blockFrame(6))
		recvAck(conn)
		conn.ReadMessage()
	})

	src, err := NewStreamingSource(StreamingConfig{
		URL:                  url,
		ContractAccount:      testContract,
		StartBlock:           5,
		EndBlock:             6,
		ReconnectDelay:       5 * time.Millisecond,
		MaxReconnectAttempts: 3,
		Logger:               quietLogger(),
	}, sink)
	require.NoError(t, err)
	require.NoError(t, src.Start(context.Background()))

	select {
	case <-src.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not complete")
	}
	require.NoError(t, src.Err())

	first := <-reqCh
	assert.Equal(t, uint32(5), first.StartBlockNum)
	assert.Empty(t, first.HavePositions)

	second := <-reqCh
	assert.Equal(t, uint32(6), second.StartBlockNum, "reconnect resumes after the last processed block")
	require.Len(t, second.HavePositions, 1)
	assert.Equal(t, uint32(5), second.HavePositions[0].BlockNum)
	assert.Equal(t, "block-00000005", second.HavePositions[0].BlockID)

	assert.Equal(t, 1, sink.count())
	stats := src.Stats()
	assert.Equal(t, uint64(1), stats["reconnects"])
	assert.Equal(t, uint64(2), stats["blocks"])
}

func TestStreaming_GivesUpAfterMaxAttempts(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := recvRequest(conn); err != nil {
			return
		}
		// A head-only status frame satisfies the handshake, then the
		// connection drops and never comes back.
		data, _ := json.Marshal(frame{"get_blocks_result_v0", getBlocksResult{
			Head: &blockPosition{BlockNum: 99, BlockID: "head"},
		}})
		conn.WriteMessage(websocket.TextMessage, data)
	}))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	src, err := NewStreamingSource(StreamingConfig{
		URL:                  url,
		ContractAccount:      testContract,
		ReconnectDelay:       2 * time.Millisecond,
		MaxReconnectAttempts: 2,
		Logger:               quietLogger(),
	}, &captureSink{})
	require.NoError(t, err)
	require.NoError(t, src.Start(context.Background()))
	srv.Close()

	select {
	case <-src.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("source did not give up")
	}
	require.Error(t, src.Err())
	assert.Contains(t, src.Err().Error(), "giving up after 2 reconnect attempts")
	assert.Equal(t, uint64(2), src.Stats()["reconnects"])
}

func TestStreaming_UndecodableActionSkipped(t *testing.T) {
	sink := &captureSink{}
	url := wsEndpoint(t, func(conn *websocket.Conn) {
		if _, err := recvRequest(conn); err != nil {
			return
		}
		// The endpoint failed to ABI-decode this action and shipped the
		// raw hex instead.
		conn.WriteMessage(websocket.TextMessage, blockFrame(7,
			trace("trx-h", "executed", act(1, testContract, "put", "deadbeef00112233"))))
		recvAck(conn)
		conn.ReadMessage()
	})

	src, err := NewStreamingSource(StreamingConfig{
		URL:             url,
		ContractAccount: testContract,
		StartBlock:      7,
		EndBlock:        7,
		ReconnectDelay:  5 * time.Millisecond,
		Logger:          quietLogger(),
	}, sink)
	require.NoError(t, err)
	require.NoError(t, src.Start(context.Background()))

	select {
	case <-src.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not complete")
	}
	require.NoError(t, src.Err())

	assert.Zero(t, sink.count())
	assert.Equal(t, 1, sink.clearCount())
	stats := src.Stats()
	assert.Equal(t, uint64(1), stats["decode_errors"])
	assert.Equal(t, uint64(1), stats["blocks"])
}

func TestStreaming_StopDrainsAndRestarts(t *testing.T) {
	sink := &captureSink{}
	url := wsEndpoint(t, func(conn *websocket.Conn) {
		if _, err := recvRequest(conn); err != nil {
			return
		}
		for num := uint32(1); ; num++ {
			payload := map[string]any{"voter": "bob", "n": num}
			if err := conn.WriteMessage(websocket.TextMessage, blockFrame(num,
				trace(fmt.Sprintf("trx-%d", num), "executed", act(1, testContract, "vote", payload)))); err != nil {
				return
			}
			if _, err := recvAck(conn); err != nil {
				return
			}
		}
	})

	src, err := NewStreamingSource(StreamingConfig{
		URL:             url,
		ContractAccount: testContract,
		StartBlock:      1,
		ReconnectDelay:  5 * time.Millisecond,
		Logger:          quietLogger(),
	}, sink)
	require.NoError(t, err)
	require.NoError(t, src.Start(context.Background()))

	require.Eventually(t, func() bool { return sink.count() >= 2 }, 5*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, src.Stop(stopCtx))
	select {
	case <-src.Done():
	default:
		t.Fatal("done channel still open after stop")
	}
	require.NoError(t, src.Err())

	// A stopped source can be started again and picks up where it left off.
	require.NoError(t, src.Start(context.Background()))
	require.NoError(t, src.Stop(stopCtx))
}
