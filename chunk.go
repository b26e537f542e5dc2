package relay

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Chunking defaults. The threshold decides when a payload is split and
// the chunk size is the slice unit; both are configuration, not protocol,
// but sender and receiver must agree on neither being exceeded by a
// single frame.
const (
	DefaultChunkThreshold = 1 << 20   // 1 MiB
	DefaultChunkSize      = 512 << 10 // 512 KiB
	DefaultChunkDelay     = 5 * time.Millisecond
	DefaultSessionTTL     = 30 * time.Second

	// fallbackSessionKey keys a chunk session when the sender supplied
	// no correlation id. Two concurrent keyless sessions on one
	// connection will collide; senders that interleave large payloads
	// must set ids.
	fallbackSessionKey = "default"
)

// ChunkConfig carries the chunking transport tunables.
type ChunkConfig struct {
	// Threshold is the serialized payload size above which a chunked
	// sequence is emitted instead of a single frame.
	Threshold int
	// Size is the maximum length of each chunk slice; a chunk runs a few
	// bytes short where a rune would straddle the cut point, and the
	// final chunk carries whatever remains.
	Size int
	// Delay is the pause between successive chunk sends, smoothing
	// throughput so no recipient's inbound buffer is saturated. Not a
	// correctness requirement.
	Delay time.Duration
}

// DefaultChunkConfig returns the stock chunking tunables.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{
		Threshold: DefaultChunkThreshold,
		Size:      DefaultChunkSize,
		Delay:     DefaultChunkDelay,
	}
}

// ChunkStart is the payload of a <type>:chunked:start frame.
type ChunkStart struct {
	TotalChunks int `json:"totalChunks"`
	ChunkSize   int `json:"chunkSize"`
	TotalBytes  int `json:"totalBytes"`
}

// ChunkPart is the payload of a <type>:chunk frame. Chunk carries a
// contiguous slice of the serialized payload text; concatenating every
// part in index order reproduces the original bytes exactly.
type ChunkPart struct {
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	Chunk       string `json:"chunk"`
}

// ChunkKinds returned by ChunkKind.
const (
	ChunkKindNone     = ""
	ChunkKindStart    = "start"
	ChunkKindPart     = "chunk"
	ChunkKindComplete = "complete"
)

// ChunkKind reports whether msgType is a chunk-protocol frame and, if so,
// the base message type it belongs to.
func ChunkKind(msgType string) (base, kind string) {
	switch {
	case strings.HasSuffix(msgType, suffixChunkedStart):
		return strings.TrimSuffix(msgType, suffixChunkedStart), ChunkKindStart
	case strings.HasSuffix(msgType, suffixChunkedComplete):
		return strings.TrimSuffix(msgType, suffixChunkedComplete), ChunkKindComplete
	case strings.HasSuffix(msgType, suffixChunk):
		return strings.TrimSuffix(msgType, suffixChunk), ChunkKindPart
	}
	return msgType, ChunkKindNone
}

// Split decides whether env fits a single frame under cfg. If it does the
// envelope itself is returned unchanged as the only element. Otherwise the
// serialized payload is cut into slices of at most cfg.Size bytes and the
// three phase framing sequence is returned in send order: one start frame,
// then every chunk with a zero based index, then one complete frame with
// no payload. Every frame echoes env's channel and correlation id.
//
// A cut point never lands inside a multi-byte rune: the chunk travels as a
// JSON string, and a split rune would be coerced to U+FFFD on encode,
// breaking byte exact reassembly. A boundary mid-rune is backed off to the
// previous rune start, so a chunk may be up to utf8.UTFMax-1 bytes short.
func Split(env *Envelope, cfg ChunkConfig) ([]*Envelope, error) {
	raw := []byte(env.Payload)
	if len(raw) <= cfg.Threshold {
		return []*Envelope{env}, nil
	}
	if cfg.Size < utf8.UTFMax {
		return nil, errors.Errorf("chunk size must be at least %d bytes", utf8.UTFMax)
	}

	var parts []string
	for lo := 0; lo < len(raw); {
		hi := lo + cfg.Size
		if hi >= len(raw) {
			hi = len(raw)
		} else {
			for !utf8.RuneStart(raw[hi]) {
				hi--
			}
		}
		parts = append(parts, string(raw[lo:hi]))
		lo = hi
	}

	frames := make([]*Envelope, 0, len(parts)+2)
	start := env.NewFrom(env.Type + suffixChunkedStart)
	if err := start.WithPayload(ChunkStart{
		TotalChunks: len(parts),
		ChunkSize:   cfg.Size,
		TotalBytes:  len(raw),
	}); err != nil {
		return nil, err
	}
	frames = append(frames, start)

	for i, p := range parts {
		part := env.NewFrom(env.Type + suffixChunk)
		if err := part.WithPayload(ChunkPart{
			ChunkIndex:  i,
			TotalChunks: len(parts),
			Chunk:       p,
		}); err != nil {
			return nil, err
		}
		frames = append(frames, part)
	}

	frames = append(frames, env.NewFrom(env.Type+suffixChunkedComplete))
	return frames, nil
}

// chunkSession holds in flight reassembly state for one chunked payload.
type chunkSession struct {
	base     string
	channel  string
	slots    []string
	received int
	total    int
	started  time.Time
}

// Assembler reassembles chunked sequences back into single envelopes.
// Sessions are keyed by the message correlation id; a sequence sent
// without an id falls back to a shared constant key.
//
// Sessions whose complete frame never arrives would otherwise leak, so an
// assembler created with a positive ttl evicts them lazily on Feed and on
// explicit Sweep calls. A ttl of 0 disables eviction.
type Assembler struct {
	mu       sync.Mutex
	sessions map[string]*chunkSession
	ttl      time.Duration
	now      func() time.Time
}

// NewAssembler returns an Assembler evicting abandoned sessions after ttl.
func NewAssembler(ttl time.Duration) *Assembler {
	return &Assembler{
		sessions: make(map[string]*chunkSession),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Feed consumes one frame. Non chunk-protocol frames are returned as-is
// with done true. A start or chunk frame returns done false. The complete
// frame concatenates every slot in index order and returns the rebuilt
// envelope of the base type, exactly as if it had arrived in one frame.
//
// Out of order or duplicate chunk indices simply overwrite their slot;
// there is no gap check before complete, matching the sender's ordered
// reliable transport.
func (a *Assembler) Feed(env *Envelope) (*Envelope, bool, error) {
	base, kind := ChunkKind(env.Type)
	if kind == ChunkKindNone {
		return env, true, nil
	}

	key := env.ID
	if key == "" {
		key = fallbackSessionKey
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.evictExpired()

	switch kind {
	case ChunkKindStart:
		var s ChunkStart
		if err := env.Bind(&s); err != nil {
			return nil, false, errors.Wrap(err, "bind chunk start")
		}
		if s.TotalChunks <= 0 {
			return nil, false, errors.New("chunk start with no chunks")
		}
		a.sessions[key] = &chunkSession{
			base:    base,
			channel: env.Channel,
			slots:   make([]string, s.TotalChunks),
			total:   s.TotalChunks,
			started: a.now(),
		}
		return nil, false, nil

	case ChunkKindPart:
		sess, ok := a.sessions[key]
		if !ok {
			return nil, false, errors.Errorf("chunk for unknown session %q", key)
		}
		var p ChunkPart
		if err := env.Bind(&p); err != nil {
			return nil, false, errors.Wrap(err, "bind chunk")
		}
		if p.ChunkIndex < 0 || p.ChunkIndex >= sess.total {
			return nil, false, errors.Errorf("chunk index %d out of range 0..%d", p.ChunkIndex, sess.total-1)
		}
		sess.slots[p.ChunkIndex] = p.Chunk
		sess.received++
		return nil, false, nil

	case ChunkKindComplete:
		sess, ok := a.sessions[key]
		if !ok {
			return nil, false, errors.Errorf("complete for unknown session %q", key)
		}
		delete(a.sessions, key)
		rebuilt := NewEnvelope(sess.base, sess.channel, env.ID)
		rebuilt.Payload = []byte(strings.Join(sess.slots, ""))
		return rebuilt, true, nil
	}
	return nil, false, errors.Errorf("unhandled chunk kind %q", kind)
}

// Sessions reports the number of in flight sessions.
func (a *Assembler) Sessions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// Sweep evicts expired sessions and returns how many were discarded.
func (a *Assembler) Sweep() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.evictExpired()
}

// evictExpired must be called with the lock held.
func (a *Assembler) evictExpired() int {
	if a.ttl <= 0 {
		return 0
	}
	cutoff := a.now().Add(-a.ttl)
	n := 0
	for key, sess := range a.sessions {
		if sess.started.Before(cutoff) {
			delete(a.sessions, key)
			n++
			log.Debug().Msgf("evicting abandoned chunk session %s (%d/%d chunks)", key, sess.received, sess.total)
		}
	}
	return n
}
