// Package crdt defines the boundary to the conflict-free replicated document library
// and ships LogEngine, the fragment-set implementation the server and clients use.
package crdt

import (
	"bytes"
	"errors"
	"sort"
	"strings"
)

var (
	// ErrMalformedState indicates that an encoded state could not be decoded.
	ErrMalformedState = errors.New("crdt: malformed state")
	// ErrMalformedStateVector indicates that an encoded state vector could not be decoded.
	ErrMalformedStateVector = errors.New("crdt: malformed state vector")
)

// Engine exposes the merge primitives every component above the document layer relies on.
// Implementations must make Merge commutative, associative and idempotent.
type Engine interface {
	Merge(states ...[]byte) ([]byte, error)
	StateVector(state []byte) ([]byte, error)
	Diff(state []byte, remoteVector []byte) ([]byte, error)
	PlainText(state []byte) (string, error)
	IsEmpty(state []byte) (bool, error)
}

// Fragment is a single replicated insertion authored by one client.
type Fragment struct {
	ClientID uint64
	Clock    uint64
	Content  []byte
}

type fragmentKey struct {
	clientID uint64
	clock    uint64
}

// LogEngine stores documents as a grow-only set of fragments ordered by (clock, client).
type LogEngine struct{}

// NewLogEngine returns the default Engine.
func NewLogEngine() *LogEngine {
	return &LogEngine{}
}

// NewFragment encodes a single-fragment update.
func NewFragment(clientID uint64, clock uint64, text string) []byte {
	return encodeFragments([]Fragment{{ClientID: clientID, Clock: clock, Content: []byte(text)}})
}

// Merge unions the fragments of every provided state.
func (engine *LogEngine) Merge(states ...[]byte) ([]byte, error) {
	set := make(map[fragmentKey]Fragment)
	for _, state := range states {
		fragments, err := decodeFragments(state)
		if err != nil {
			return nil, err
		}
		for _, fragment := range fragments {
			addFragment(set, fragment)
		}
	}
	return encodeFragments(sortFragments(set)), nil
}

// StateVector reports, per client, the next clock this replica is missing.
func (engine *LogEngine) StateVector(state []byte) ([]byte, error) {
	fragments, err := decodeFragments(state)
	if err != nil {
		return nil, err
	}
	return encodeStateVector(contiguousClocks(fragments)), nil
}

// Diff returns the fragments of state that a replica with remoteVector has not incorporated.
func (engine *LogEngine) Diff(state []byte, remoteVector []byte) ([]byte, error) {
	fragments, err := decodeFragments(state)
	if err != nil {
		return nil, err
	}
	vector, err := DecodeStateVector(remoteVector)
	if err != nil {
		return nil, err
	}
	missing := make([]Fragment, 0, len(fragments))
	for _, fragment := range fragments {
		if fragment.Clock >= vector[fragment.ClientID] {
			missing = append(missing, fragment)
		}
	}
	return encodeFragments(missing), nil
}

// PlainText projects the document onto its text content.
func (engine *LogEngine) PlainText(state []byte) (string, error) {
	fragments, err := decodeFragments(state)
	if err != nil {
		return "", err
	}
	var builder strings.Builder
	for _, fragment := range fragments {
		builder.Write(fragment.Content)
	}
	return builder.String(), nil
}

// IsEmpty reports whether the state carries no fragments.
func (engine *LogEngine) IsEmpty(state []byte) (bool, error) {
	fragments, err := decodeFragments(state)
	if err != nil {
		return false, err
	}
	return len(fragments) == 0, nil
}

// Fragments decodes the fragments of a state in canonical order.
func Fragments(state []byte) ([]Fragment, error) {
	return decodeFragments(state)
}

func addFragment(set map[fragmentKey]Fragment, fragment Fragment) {
	key := fragmentKey{clientID: fragment.ClientID, clock: fragment.Clock}
	existing, ok := set[key]
	// a replayed (client, clock) pair with different content keeps the smaller payload so that
	// the winner does not depend on merge order
	if ok && bytes.Compare(existing.Content, fragment.Content) <= 0 {
		return
	}
	set[key] = fragment
}

func sortFragments(set map[fragmentKey]Fragment) []Fragment {
	fragments := make([]Fragment, 0, len(set))
	for _, fragment := range set {
		fragments = append(fragments, fragment)
	}
	sort.Slice(fragments, func(i, j int) bool {
		if fragments[i].Clock != fragments[j].Clock {
			return fragments[i].Clock < fragments[j].Clock
		}
		return fragments[i].ClientID < fragments[j].ClientID
	})
	return fragments
}

func contiguousClocks(fragments []Fragment) map[uint64]uint64 {
	seen := make(map[uint64]map[uint64]struct{})
	for _, fragment := range fragments {
		clocks, ok := seen[fragment.ClientID]
		if !ok {
			clocks = make(map[uint64]struct{})
			seen[fragment.ClientID] = clocks
		}
		clocks[fragment.Clock] = struct{}{}
	}
	vector := make(map[uint64]uint64, len(seen))
	for clientID, clocks := range seen {
		var next uint64
		for {
			if _, ok := clocks[next]; !ok {
				break
			}
			next++
		}
		vector[clientID] = next
	}
	return vector
}
