// Package crdt implements the opaque update-block merge contract: a document
// state is a set of keyed blocks, and for any one key the last applicable
// update wins. Merge is commutative, associative and idempotent, so blocks
// may arrive in any interleaving across sessions and every replica converges
// to the same state.
package crdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Block is one incremental change to a document. The payload is opaque to
// this package; Key identifies the slot the block updates and Stamp orders
// competing updates for the same slot.
type Block struct {
	Key     string
	Stamp   uint64
	Payload []byte
}

var ErrMalformed = errors.New("malformed block encoding")

// wins reports whether b should replace current for the same key.
// Ties on stamp break on payload bytes so the rule is a total order.
func (b Block) wins(current Block) bool {
	if b.Stamp != current.Stamp {
		return b.Stamp > current.Stamp
	}
	return bytes.Compare(b.Payload, current.Payload) > 0
}

// State is the convergent state of one document.
type State struct {
	mu     sync.RWMutex
	blocks map[string]Block
}

func NewState() *State {
	return &State{blocks: make(map[string]Block)}
}

// Merge folds blocks into the state and returns the subset that actually
// changed it. Re-merging already known blocks returns nothing.
func (s *State) Merge(blocks ...Block) []Block {
	s.mu.Lock()
	defer s.mu.Unlock()

	var applied []Block
	for _, b := range blocks {
		current, ok := s.blocks[b.Key]
		if ok && !b.wins(current) {
			continue
		}
		s.blocks[b.Key] = b
		applied = append(applied, b)
	}
	return applied
}

// Diff returns the blocks the remote state is missing or holds an older
// version of. Diff against an equal state is empty.
func (s *State) Diff(remote *State) []Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	remote.mu.RLock()
	defer remote.mu.RUnlock()

	var missing []Block
	for key, b := range s.blocks {
		theirs, ok := remote.blocks[key]
		if ok && !b.wins(theirs) {
			continue
		}
		missing = append(missing, b)
	}
	sortBlocks(missing)
	return missing
}

// Blocks returns the current block set sorted by key.
func (s *State) Blocks() []Block {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Block, 0, len(s.blocks))
	for _, b := range s.blocks {
		out = append(out, b)
	}
	sortBlocks(out)
	return out
}

func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blocks)
}

// Clone returns an independent copy of the state.
func (s *State) Clone() *State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := NewState()
	for key, b := range s.blocks {
		out.blocks[key] = b
	}
	return out
}

// Encode serializes the state deterministically: blocks sorted by key, each
// in the single-block wire form. Encode output is always a valid base state
// for a sync exchange.
func (s *State) Encode() []byte {
	var buf bytes.Buffer
	for _, b := range s.Blocks() {
		buf.Write(EncodeBlock(b))
	}
	return buf.Bytes()
}

// DecodeState parses a concatenation of encoded blocks. An empty input is a
// valid empty state.
func DecodeState(data []byte) (*State, error) {
	state := NewState()
	for len(data) > 0 {
		b, rest, err := decodeBlock(data)
		if err != nil {
			return nil, err
		}
		state.Merge(b)
		data = rest
	}
	return state, nil
}

// EncodeBlock writes one block as
// [u32 key length][key][u64 stamp][u32 payload length][payload].
func EncodeBlock(b Block) []byte {
	buf := make([]byte, 0, 16+len(b.Key)+len(b.Payload))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b.Key)))
	buf = append(buf, b.Key...)
	buf = binary.BigEndian.AppendUint64(buf, b.Stamp)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b.Payload)))
	buf = append(buf, b.Payload...)
	return buf
}

// DecodeBlock parses exactly one encoded block and rejects trailing bytes.
func DecodeBlock(data []byte) (Block, error) {
	b, rest, err := decodeBlock(data)
	if err != nil {
		return Block{}, err
	}
	if len(rest) != 0 {
		return Block{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(rest))
	}
	return b, nil
}

func decodeBlock(data []byte) (Block, []byte, error) {
	if len(data) < 4 {
		return Block{}, nil, fmt.Errorf("%w: truncated key length", ErrMalformed)
	}
	keyLen := binary.BigEndian.Uint32(data)
	data = data[4:]
	// Widened so a near-max length field cannot wrap the bound.
	if uint64(len(data)) < uint64(keyLen)+12 {
		return Block{}, nil, fmt.Errorf("%w: truncated key", ErrMalformed)
	}
	key := string(data[:keyLen])
	data = data[keyLen:]

	stamp := binary.BigEndian.Uint64(data)
	payloadLen := binary.BigEndian.Uint32(data[8:])
	data = data[12:]
	if uint32(len(data)) < payloadLen {
		return Block{}, nil, fmt.Errorf("%w: truncated payload", ErrMalformed)
	}
	payload := make([]byte, payloadLen)
	copy(payload, data[:payloadLen])

	return Block{Key: key, Stamp: stamp, Payload: payload}, data[payloadLen:], nil
}

func sortBlocks(blocks []Block) {
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Key < blocks[j].Key })
}
