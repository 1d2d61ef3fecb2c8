package substrate

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/grailbio/base/log"
	"github.com/klauspost/compress/zstd"
	"github.com/nats-io/nats.go"
)

// natsSubstrate is the real multi-process transport, backing Context
// with an external message broker rather than in-process state.
// Collectives are implemented as NATS request/reply round-trips against
// a subject namespaced by RunID, with rank 0 acting as the
// single-threaded rendezvous point for every collective. It never
// special-cases its own rank, it just issues a request to itself like
// everyone else, which keeps the protocol uniform. Grounded on
// ClusterCockpit-cc-backend/pkg/nats/client.go's singleton
// connect/subscribe/publish idiom.
type natsSubstrate struct {
	nc   *nats.Conn
	rank int
	size int
	sub  string // subject prefix, "rowflow.<RunID>"

	enc *zstd.Encoder
	dec *zstd.Decoder

	mu      sync.Mutex
	rounds  map[kind]uint64  // next round number per op kind, this rank's call count
	coordMu sync.Mutex       // serializes coordinator state, rank 0 only
	pending map[pendKey]*pend
}

type kind int

const (
	kindBarrier kind = iota
	kindBroadcast
	kindSum
	kindMin
	kindMax
	kindAnd
)

type pendKey struct {
	k kind
	r uint64
}

type pend struct {
	replies []*nats.Msg
	values  [][]byte
	root    int
}

// Config describes how to join a rowflow multi-process run over NATS.
type Config struct {
	// Addr is the NATS server URL, e.g. "nats://localhost:4222".
	Addr string
	// RunID scopes the subjects used by this run so multiple concurrent
	// rowflow runs don't cross-talk on one NATS deployment.
	RunID string
	// Rank and Size identify this process among its peers. NewNATS uses
	// them as given; ConfigFromEnv fills them from the ROWFLOW_RANK /
	// ROWFLOW_SIZE environment variables.
	Rank, Size int
}

// ConfigFromEnv builds a Config from ROWFLOW_NATS_ADDR, ROWFLOW_RUN_ID,
// ROWFLOW_RANK and ROWFLOW_SIZE. It returns ok=false when
// ROWFLOW_NATS_ADDR is unset, meaning the caller should fall back to the
// local single-rank stub.
func ConfigFromEnv() (cfg Config, ok bool) {
	addr := os.Getenv("ROWFLOW_NATS_ADDR")
	if addr == "" {
		return Config{}, false
	}
	cfg.Addr = addr
	cfg.RunID = os.Getenv("ROWFLOW_RUN_ID")
	if cfg.RunID == "" {
		cfg.RunID = "default"
	}
	cfg.Rank, _ = strconv.Atoi(os.Getenv("ROWFLOW_RANK"))
	cfg.Size, _ = strconv.Atoi(os.Getenv("ROWFLOW_SIZE"))
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	return cfg, true
}

// NewNATS connects to the NATS server described by cfg and returns a
// Context ready to use as the process-wide substrate. Call substrate.Init
// with the result.
func NewNATS(cfg Config) (Context, error) {
	nc, err := nats.Connect(cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("substrate: connect to %s: %w", cfg.Addr, err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	s := &natsSubstrate{
		nc:      nc,
		rank:    cfg.Rank,
		size:    cfg.Size,
		sub:     "rowflow." + cfg.RunID,
		enc:     enc,
		dec:     dec,
		rounds:  make(map[kind]uint64),
		pending: make(map[pendKey]*pend),
	}
	if s.rank == 0 {
		if _, err := nc.Subscribe(s.sub+".coord", s.handleCoordRequest); err != nil {
			return nil, fmt.Errorf("substrate: subscribe coordinator: %w", err)
		}
	}
	log.Debug.Printf("substrate: rank %d/%d joined run %q via %s", s.rank, s.size, cfg.RunID, cfg.Addr)
	return s, nil
}

func (s *natsSubstrate) Rank() int { return s.rank }
func (s *natsSubstrate) Size() int { return s.size }

type coordReq struct {
	Kind    kind
	Round   uint64
	Rank    int
	Payload []byte // meaningful only for broadcast (root's value)
}

// handleCoordRequest runs only on rank 0. It buffers one request per rank
// per (kind, round) and, once every rank has checked in, computes the
// collective's result and replies to every buffered request at once.
func (s *natsSubstrate) handleCoordRequest(msg *nats.Msg) {
	var req coordReq
	if err := decodeGob(msg.Data, &req); err != nil {
		log.Error.Printf("substrate: malformed coordinator request: %v", err)
		return
	}
	s.coordMu.Lock()
	key := pendKey{req.Kind, req.Round}
	p := s.pending[key]
	if p == nil {
		p = &pend{}
		s.pending[key] = p
	}
	p.replies = append(p.replies, msg)
	p.values = append(p.values, req.Payload)
	if req.Kind == kindBroadcast && len(req.Payload) > 0 {
		p.root = req.Rank
	}
	ready := len(p.replies) == s.size
	var result []byte
	if ready {
		delete(s.pending, key)
		result = combine(req.Kind, p.values)
	}
	s.coordMu.Unlock()

	if !ready {
		return
	}
	for _, m := range p.replies {
		if err := m.Respond(result); err != nil {
			log.Error.Printf("substrate: reply: %v", err)
		}
	}
}

func combine(k kind, values [][]byte) []byte {
	switch k {
	case kindBarrier:
		return nil
	case kindBroadcast:
		for _, v := range values {
			if len(v) > 0 {
				return v
			}
		}
		return nil
	case kindSum, kindMin, kindMax:
		acc, _ := decodeInt64(values[0])
		for _, v := range values[1:] {
			n, _ := decodeInt64(v)
			switch k {
			case kindSum:
				acc += n
			case kindMin:
				if n < acc {
					acc = n
				}
			case kindMax:
				if n > acc {
					acc = n
				}
			}
		}
		return encodeInt64(acc)
	case kindAnd:
		acc := true
		for _, v := range values {
			if len(v) == 0 || v[0] == 0 {
				acc = false
			}
		}
		if acc {
			return []byte{1}
		}
		return []byte{0}
	default:
		return nil
	}
}

// call performs one round of the named collective: send this rank's
// payload to the coordinator, block for the combined result.
func (s *natsSubstrate) call(ctx context.Context, k kind, payload []byte) ([]byte, error) {
	s.mu.Lock()
	round := s.rounds[k]
	s.rounds[k] = round + 1
	s.mu.Unlock()

	req := coordReq{Kind: k, Round: round, Rank: s.rank, Payload: payload}
	data, err := encodeGob(req)
	if err != nil {
		return nil, err
	}
	deadline, ok := ctx.Deadline()
	timeout := 30 * time.Second
	if ok {
		timeout = time.Until(deadline)
	}
	msg, err := s.nc.RequestWithContext(withTimeout(ctx, timeout), s.sub+".coord", data)
	if err != nil {
		return nil, fmt.Errorf("substrate: collective %v round %d: %w", k, round, err)
	}
	return msg.Data, nil
}

func withTimeout(ctx context.Context, d time.Duration) context.Context {
	if _, ok := ctx.Deadline(); ok {
		return ctx
	}
	c, _ := context.WithTimeout(ctx, d) // nolint: lostcancel - request is synchronous and short-lived
	return c
}

func (s *natsSubstrate) Barrier(ctx context.Context) error {
	_, err := s.call(ctx, kindBarrier, nil)
	return err
}

// broadcastCompressThreshold is the payload size above which Broadcast
// zstd-compresses the value before it goes over NATS. Collective
// payloads below this size aren't worth the codec overhead.
const broadcastCompressThreshold = 4096

func (s *natsSubstrate) Broadcast(ctx context.Context, root int, v *[]byte) error {
	var payload []byte
	if s.rank == root {
		payload = make([]byte, 1+len(*v))
		if len(*v) > broadcastCompressThreshold {
			payload[0] = 1
			payload = append(payload[:1], s.enc.EncodeAll(*v, nil)...)
		} else {
			payload[0] = 0
			copy(payload[1:], *v)
		}
	}
	result, err := s.call(ctx, kindBroadcast, payload)
	if err != nil {
		return err
	}
	if len(result) == 0 {
		*v = nil
		return nil
	}
	if result[0] == 1 {
		plain, err := s.dec.DecodeAll(result[1:], nil)
		if err != nil {
			return fmt.Errorf("substrate: decompress broadcast payload: %w", err)
		}
		*v = plain
		return nil
	}
	*v = result[1:]
	return nil
}

func (s *natsSubstrate) AllreduceSum(ctx context.Context, v int64) (int64, error) {
	return s.allreduceInt(ctx, kindSum, v)
}

func (s *natsSubstrate) AllreduceMin(ctx context.Context, v int64) (int64, error) {
	return s.allreduceInt(ctx, kindMin, v)
}

func (s *natsSubstrate) AllreduceMax(ctx context.Context, v int64) (int64, error) {
	return s.allreduceInt(ctx, kindMax, v)
}

func (s *natsSubstrate) allreduceInt(ctx context.Context, k kind, v int64) (int64, error) {
	result, err := s.call(ctx, k, encodeInt64(v))
	if err != nil {
		return 0, err
	}
	return decodeInt64(result)
}

func (s *natsSubstrate) AllreduceAnd(ctx context.Context, v bool) (bool, error) {
	payload := []byte{0}
	if v {
		payload[0] = 1
	}
	result, err := s.call(ctx, kindAnd, payload)
	if err != nil {
		return false, err
	}
	return len(result) > 0 && result[0] == 1, nil
}

func encodeInt64(v int64) []byte {
	b, _ := encodeGob(v)
	return b
}

func decodeInt64(b []byte) (int64, error) {
	var v int64
	err := decodeGob(b, &v)
	return v, err
}

func encodeGob(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v interface{}) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}
