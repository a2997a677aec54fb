package chainsource

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Arpeggio-Labs/chorus/pkg/event"
	"github.com/Arpeggio-Labs/chorus/pkg/hashcodec"
)

const (
	// DefaultMaxMessagesInFlight bounds how many unacked block results the
	// endpoint may have outstanding at once.
	DefaultMaxMessagesInFlight = 5

	// DefaultReconnectDelay is the base unit of the linear backoff; the
	// wait before attempt n is n times this.
	DefaultReconnectDelay = 5 * time.Second

	// DefaultMaxReconnectAttempts is how many consecutive reconnects are
	// tried before the source gives up.
	DefaultMaxReconnectAttempts = 10

	// endBlockInfinity is the wire value for an open-ended block range.
	endBlockInfinity = 0xffffffff

	// wsReadLimit caps a single frame; blocks with full traces run large.
	wsReadLimit = 32 * 1024 * 1024

	// handshakeWindow is how long the first frame after a get_blocks
	// request may take. The endpoint answers promptly even for empty
	// blocks, so silence here means a dead or wrong endpoint.
	handshakeWindow = 15 * time.Second
)

// ErrBinaryFraming reports an endpoint speaking the binary block-trace
// framing, which needs ABI-aware deserialization this reader does not do.
// It is terminal: dropping those frames would look like an empty chain.
var ErrBinaryFraming = errors.New("chainsource: endpoint sent a binary frame, JSON framing required")

// Contract actions that anchor content events.
const (
	actionPut      = "put"
	actionVote     = "vote"
	actionFinalize = "finalize"
)

func watchedAction(name string) bool {
	switch name {
	case actionPut, actionVote, actionFinalize:
		return true
	}
	return false
}

// StreamingConfig configures the block-trace WebSocket source.
type StreamingConfig struct {
	// URL of the state-history endpoint, ws:// or wss://.
	URL string

	// ContractAccount whose actions anchor events. Required.
	ContractAccount string

	// StartBlock is the first block requested. EndBlock closes the range;
	// zero streams forever.
	StartBlock uint32
	EndBlock   uint32

	// MaxMessagesInFlight is the unacked-result window granted to the
	// endpoint. Zero means DefaultMaxMessagesInFlight.
	MaxMessagesInFlight uint32

	// IrreversibleOnly requests only finalized blocks. The dedup design
	// assumes no fork rollbacks, so leave this on unless replaying a
	// controlled range.
	IrreversibleOnly bool

	// ReconnectDelay and MaxReconnectAttempts shape the linear backoff
	// after a dropped connection. Zero values take the defaults.
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int

	// TLSConfig is used for wss endpoints with a private CA.
	TLSConfig *tls.Config

	Logger *slog.Logger
}

// StreamingSource consumes the state-history block stream and feeds every
// matched action trace to the sink as an AnchoredEvent.
type StreamingSource struct {
	cfg    StreamingConfig
	sink   Sink
	log    *slog.Logger
	dialer *websocket.Dialer

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	termErr error

	statsMu      sync.Mutex
	reconnects   uint64
	blocks       uint64
	anchors      uint64
	decodeErrors uint64
	nextBlock    uint32
	lastBlockID  string
}

// NewStreamingSource validates the configuration and prepares a source.
// Nothing is dialed until Start.
func NewStreamingSource(cfg StreamingConfig, sink Sink) (*StreamingSource, error) {
	if cfg.URL == "" {
		return nil, errors.New("chainsource: streaming endpoint url is required")
	}
	if cfg.ContractAccount == "" {
		return nil, errors.New("chainsource: contract account is required")
	}
	if sink == nil {
		return nil, errors.New("chainsource: sink is required")
	}
	if cfg.MaxMessagesInFlight == 0 {
		cfg.MaxMessagesInFlight = DefaultMaxMessagesInFlight
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &StreamingSource{
		cfg:  cfg,
		sink: sink,
		log:  cfg.Logger.With("component", "chainsource", "source", "streaming"),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
			TLSClientConfig:  cfg.TLSConfig,
		},
	}, nil
}

func (s *StreamingSource) Name() string { return "streaming" }

// Start dials the endpoint, sends the block request and reads the first
// frame before returning, so an endpoint speaking the wrong framing fails
// the call instead of producing an empty stream.
func (s *StreamingSource) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("chainsource: streaming source already running")
	}
	s.running = true
	s.termErr = nil
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	conn, first, err := s.connect(runCtx)
	if err != nil {
		cancel()
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	s.log.Info("block stream opened",
		"url", s.cfg.URL,
		"contract", s.cfg.ContractAccount,
		"start_block", s.resumeBlock(),
		"end_block", s.cfg.EndBlock,
		"max_in_flight", s.cfg.MaxMessagesInFlight)

	go s.run(runCtx, conn, first, done)
	return nil
}

// Stop cancels the stream and waits for the run loop to drain.
func (s *StreamingSource) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("chainsource: streaming source did not drain: %w", ctx.Err())
	}
}

// Done is closed once the run loop has exited.
func (s *StreamingSource) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.done
}

// Err returns the terminal error, nil after a clean stop or a completed
// block range.
func (s *StreamingSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.termErr
}

// Stats reports stream progress counters.
func (s *StreamingSource) Stats() map[string]any {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return map[string]any{
		"blocks":        s.blocks,
		"anchors":       s.anchors,
		"reconnects":    s.reconnects,
		"decode_errors": s.decodeErrors,
		"next_block":    s.nextBlock,
	}
}

// connect dials, requests the block range and probes the first frame.
func (s *StreamingSource) connect(ctx context.Context) (*websocket.Conn, []byte, error) {
	conn, resp, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, nil, fmt.Errorf("chainsource: dial %s: %w (HTTP %s)", s.cfg.URL, err, resp.Status)
		}
		return nil, nil, fmt.Errorf("chainsource: dial %s: %w", s.cfg.URL, err)
	}
	conn.SetReadLimit(wsReadLimit)

	if err := conn.WriteJSON(frame{"get_blocks_request_v0", s.blocksRequest()}); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("chainsource: send block request: %w", err)
	}

	// The first frame decides whether the endpoint speaks our framing.
	if err := conn.SetReadDeadline(time.Now().Add(handshakeWindow)); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("chainsource: arm handshake deadline: %w", err)
	}
	mt, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("chainsource: no frame within handshake window: %w", err)
	}
	if mt == websocket.BinaryMessage {
		conn.Close()
		return nil, nil, fmt.Errorf("%w (endpoint %s)", ErrBinaryFraming, s.cfg.URL)
	}
	conn.SetReadDeadline(time.Time{})
	return conn, data, nil
}

func (s *StreamingSource) blocksRequest() getBlocksRequest {
	start := s.resumeBlock()
	end := uint32(endBlockInfinity)
	if s.cfg.EndBlock > 0 {
		end = s.cfg.EndBlock + 1
	}
	req := getBlocksRequest{
		StartBlockNum:       start,
		EndBlockNum:         end,
		MaxMessagesInFlight: s.cfg.MaxMessagesInFlight,
		HavePositions:       []blockPosition{},
		IrreversibleOnly:    s.cfg.IrreversibleOnly,
		FetchBlock:          true,
		FetchTraces:         true,
		FetchDeltas:         false,
	}
	s.statsMu.Lock()
	if s.lastBlockID != "" && s.nextBlock > 0 {
		req.HavePositions = append(req.HavePositions, blockPosition{
			BlockNum: s.nextBlock - 1,
			BlockID:  s.lastBlockID,
		})
	}
	s.statsMu.Unlock()
	return req
}

// resumeBlock is where the next connection should pick up.
func (s *StreamingSource) resumeBlock() uint32 {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	if s.nextBlock > s.cfg.StartBlock {
		return s.nextBlock
	}
	return s.cfg.StartBlock
}

// run owns the connection lifecycle: consume until the stream breaks,
// then reconnect with linear backoff until attempts run out or the range
// completes.
func (s *StreamingSource) run(ctx context.Context, conn *websocket.Conn, first []byte, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(done)
	}()

	attempt := 0
	for {
		before := s.blockCount()
		err := s.consume(ctx, conn, first)
		conn.Close()
		first = nil
		if s.blockCount() > before {
			attempt = 0
		}

		switch {
		case ctx.Err() != nil:
			s.log.Info("block stream stopped", "next_block", s.resumeBlock())
			return
		case err == nil:
			s.log.Info("block range complete", "end_block", s.cfg.EndBlock)
			return
		case errors.Is(err, ErrBinaryFraming):
			s.fail(err)
			return
		}
		s.log.Warn("block stream interrupted", "error", err)

		conn = nil
		for conn == nil {
			attempt++
			if attempt > s.cfg.MaxReconnectAttempts {
				s.fail(fmt.Errorf("chainsource: giving up after %d reconnect attempts: %w",
					s.cfg.MaxReconnectAttempts, err))
				return
			}
			s.addReconnect()
			delay := time.Duration(attempt) * s.cfg.ReconnectDelay
			s.log.Info("reconnecting", "attempt", attempt, "delay", delay.String(), "next_block", s.resumeBlock())
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			var cerr error
			conn, first, cerr = s.connect(ctx)
			if cerr != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(cerr, ErrBinaryFraming) {
					s.fail(cerr)
					return
				}
				err = cerr
				s.log.Warn("reconnect failed", "attempt", attempt, "error", cerr)
			}
		}
	}
}

// consume reads frames until the connection breaks, the context is
// cancelled or the configured end block is reached. A nil return means
// the range completed.
func (s *StreamingSource) consume(ctx context.Context, conn *websocket.Conn, first []byte) error {
	// Unblock the read when the context goes away.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	for {
		var (
			mt   int
			data []byte
			err  error
		)
		if first != nil {
			mt, data, first = websocket.TextMessage, first, nil
		} else {
			mt, data, err = conn.ReadMessage()
			if err != nil {
				return fmt.Errorf("chainsource: read: %w", err)
			}
		}
		if mt == websocket.BinaryMessage {
			return fmt.Errorf("%w (endpoint %s)", ErrBinaryFraming, s.cfg.URL)
		}

		typ, payload, err := splitFrame(data)
		if err != nil {
			s.log.Warn("unparseable frame skipped", "error", err)
			continue
		}
		if typ != "get_blocks_result_v0" {
			s.log.Debug("ignoring frame", "type", typ)
			continue
		}
		var res getBlocksResult
		if err := json.Unmarshal(payload, &res); err != nil {
			s.log.Warn("malformed block result skipped", "error", err)
			continue
		}

		finished := s.handleBlock(ctx, &res)

		// Each ack returns one message of window to the endpoint.
		if err := conn.WriteJSON(frame{"get_blocks_ack_request_v0", getBlocksAck{NumMessages: 1}}); err != nil {
			return fmt.Errorf("chainsource: ack: %w", err)
		}
		if finished {
			return nil
		}
	}
}

// handleBlock scans one block result for watched actions and reports
// whether the configured end block has been reached.
func (s *StreamingSource) handleBlock(ctx context.Context, res *getBlocksResult) bool {
	if res.ThisBlock == nil {
		// Head-of-chain status frame, nothing to scan.
		return false
	}
	blockNum := res.ThisBlock.BlockNum
	timestamp := ""
	if res.Block != nil {
		timestamp = res.Block.Timestamp
	}

	matched := 0
	for ti := range res.Traces {
		trc := &res.Traces[ti]
		if trc.Status != "" && trc.Status != "executed" {
			continue
		}
		for ai := range trc.ActionTraces {
			at := &trc.ActionTraces[ai]
			if at.Act.Account != s.cfg.ContractAccount || !watchedAction(at.Act.Name) {
				continue
			}
			anchored, err := s.buildAnchor(trc, at, blockNum, res.ThisBlock.BlockID, timestamp)
			if err != nil {
				s.addDecodeError()
				s.log.Warn("action payload not decodable, skipped",
					"block_num", blockNum, "trx_id", trc.ID, "action", at.Act.Name, "error", err)
				continue
			}
			s.sink.ProcessAnchor(ctx, anchored)
			s.addAnchor()
			matched++
		}
	}
	// The position guard only needs to span one block's worth of actions.
	s.sink.ClearBlockWindow()
	s.advance(blockNum, res.ThisBlock.BlockID)
	if matched > 0 {
		s.log.Debug("block scanned", "block_num", blockNum, "anchors", matched)
	}
	return s.cfg.EndBlock > 0 && blockNum >= s.cfg.EndBlock
}

// buildAnchor normalizes one matched action trace. For put actions the
// content hash is the anchor's own hash field; for the rest it is the
// digest of the payload bytes, so both chain sources derive the same
// identity for the same action.
func (s *StreamingSource) buildAnchor(trc *transactionTrace, at *actionTrace, blockNum uint32, blockID, timestamp string) (*event.AnchoredEvent, error) {
	payload, err := actionPayload(at.Act.Data)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(payload)
	eventHash := hex.EncodeToString(sum[:])
	contentHash := eventHash
	if at.Act.Name == actionPut {
		if h, err := anchoredHash(payload); err == nil {
			contentHash = h
		} else {
			s.log.Warn("put action without a usable hash field", "trx_id", trc.ID, "error", err)
		}
	}

	return &event.AnchoredEvent{
		ContentHash:     contentHash,
		EventHash:       eventHash,
		Payload:         payload,
		BlockNum:        blockNum,
		BlockID:         blockID,
		TrxID:           trc.ID,
		ActionOrdinal:   at.ActionOrdinal,
		Timestamp:       timestamp,
		Source:          s.Name(),
		ContractAccount: at.Act.Account,
		ActionName:      at.Act.Name,
	}, nil
}

func (s *StreamingSource) fail(err error) {
	s.mu.Lock()
	s.termErr = err
	s.mu.Unlock()
	s.log.Error("block stream failed", "error", err)
}

func (s *StreamingSource) advance(blockNum uint32, blockID string) {
	s.statsMu.Lock()
	s.blocks++
	s.nextBlock = blockNum + 1
	s.lastBlockID = blockID
	s.statsMu.Unlock()
}

func (s *StreamingSource) blockCount() uint64 {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.blocks
}

func (s *StreamingSource) addAnchor() {
	s.statsMu.Lock()
	s.anchors++
	s.statsMu.Unlock()
}

func (s *StreamingSource) addReconnect() {
	s.statsMu.Lock()
	s.reconnects++
	s.statsMu.Unlock()
}

func (s *StreamingSource) addDecodeError() {
	s.statsMu.Lock()
	s.decodeErrors++
	s.statsMu.Unlock()
}

// frame is the [type, payload] wire shape of every message.
type frame [2]any

type getBlocksRequest struct {
	StartBlockNum       uint32          `json:"start_block_num"`
	EndBlockNum         uint32          `json:"end_block_num"`
	MaxMessagesInFlight uint32          `json:"max_messages_in_flight"`
	HavePositions       []blockPosition `json:"have_positions"`
	IrreversibleOnly    bool            `json:"irreversible_only"`
	FetchBlock          bool            `json:"fetch_block"`
	FetchTraces         bool            `json:"fetch_traces"`
	FetchDeltas         bool            `json:"fetch_deltas"`
}

type getBlocksAck struct {
	NumMessages uint32 `json:"num_messages"`
}

type blockPosition struct {
	BlockNum uint32 `json:"block_num"`
	BlockID  string `json:"block_id"`
}

type getBlocksResult struct {
	Head             *blockPosition     `json:"head"`
	LastIrreversible *blockPosition     `json:"last_irreversible"`
	ThisBlock        *blockPosition     `json:"this_block"`
	Block            *signedBlock       `json:"block"`
	Traces           []transactionTrace `json:"traces"`
}

type signedBlock struct {
	Timestamp string `json:"timestamp"`
}

type transactionTrace struct {
	ID           string        `json:"id"`
	Status       string        `json:"status"`
	ActionTraces []actionTrace `json:"action_traces"`
}

type actionTrace struct {
	ActionOrdinal uint32 `json:"action_ordinal"`
	Act           action `json:"act"`
}

type action struct {
	Account string          `json:"account"`
	Name    string          `json:"name"`
	Data    json.RawMessage `json:"data"`
}

// splitFrame splits a [type, payload] message.
func splitFrame(data []byte) (string, json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return "", nil, fmt.Errorf("frame is not a JSON array: %w", err)
	}
	if len(parts) != 2 {
		return "", nil, fmt.Errorf("frame has %d elements, want 2", len(parts))
	}
	var typ string
	if err := json.Unmarshal(parts[0], &typ); err != nil {
		return "", nil, fmt.Errorf("frame type is not a string: %w", err)
	}
	return typ, parts[1], nil
}

// actionPayload accepts only ABI-decoded action data. A quoted hex blob
// means the endpoint did not decode the action, which is the binary
// problem in another coat.
func actionPayload(data json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty action data")
	}
	if trimmed[0] == '"' {
		return nil, errors.New("action data is an undecoded hex blob")
	}
	if trimmed[0] != '{' {
		return nil, fmt.Errorf("unexpected action data shape %q", trimmed[0])
	}
	return trimmed, nil
}

// anchoredHash pulls the hash field out of a put payload, in whatever
// spelling the chain used.
func anchoredHash(payload []byte) (string, error) {
	var fields struct {
		Hash json.RawMessage `json:"hash"`
	}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return "", err
	}
	if len(fields.Hash) == 0 {
		return "", errors.New("no hash field")
	}
	var raw any
	dec := json.NewDecoder(bytes.NewReader(fields.Hash))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return "", err
	}
	return hashcodec.Normalize(raw)
}
