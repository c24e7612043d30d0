package crdt

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldStateFragment  protowire.Number = 1
	fieldFragmentClient protowire.Number = 1
	fieldFragmentClock  protowire.Number = 2
	fieldFragmentBody   protowire.Number = 3
	fieldVectorEntry    protowire.Number = 1
	fieldEntryClient    protowire.Number = 1
	fieldEntryNextClock protowire.Number = 2
)

func encodeFragments(fragments []Fragment) []byte {
	var out []byte
	for _, fragment := range fragments {
		var body []byte
		body = protowire.AppendTag(body, fieldFragmentClient, protowire.VarintType)
		body = protowire.AppendVarint(body, fragment.ClientID)
		body = protowire.AppendTag(body, fieldFragmentClock, protowire.VarintType)
		body = protowire.AppendVarint(body, fragment.Clock)
		body = protowire.AppendTag(body, fieldFragmentBody, protowire.BytesType)
		body = protowire.AppendBytes(body, fragment.Content)

		out = protowire.AppendTag(out, fieldStateFragment, protowire.BytesType)
		out = protowire.AppendBytes(out, body)
	}
	return out
}

// decodeFragments returns the deduplicated fragments of state in canonical order.
func decodeFragments(state []byte) ([]Fragment, error) {
	set := make(map[fragmentKey]Fragment)
	for len(state) > 0 {
		number, wireType, n := protowire.ConsumeTag(state)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedState, protowire.ParseError(n))
		}
		state = state[n:]
		if number != fieldStateFragment || wireType != protowire.BytesType {
			skip := protowire.ConsumeFieldValue(number, wireType, state)
			if skip < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedState, protowire.ParseError(skip))
			}
			state = state[skip:]
			continue
		}
		body, n := protowire.ConsumeBytes(state)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedState, protowire.ParseError(n))
		}
		state = state[n:]
		fragment, err := decodeFragment(body)
		if err != nil {
			return nil, err
		}
		addFragment(set, fragment)
	}
	return sortFragments(set), nil
}

func decodeFragment(body []byte) (Fragment, error) {
	var fragment Fragment
	for len(body) > 0 {
		number, wireType, n := protowire.ConsumeTag(body)
		if n < 0 {
			return Fragment{}, fmt.Errorf("%w: %v", ErrMalformedState, protowire.ParseError(n))
		}
		body = body[n:]
		switch {
		case number == fieldFragmentClient && wireType == protowire.VarintType:
			value, m := protowire.ConsumeVarint(body)
			if m < 0 {
				return Fragment{}, fmt.Errorf("%w: %v", ErrMalformedState, protowire.ParseError(m))
			}
			fragment.ClientID = value
			body = body[m:]
		case number == fieldFragmentClock && wireType == protowire.VarintType:
			value, m := protowire.ConsumeVarint(body)
			if m < 0 {
				return Fragment{}, fmt.Errorf("%w: %v", ErrMalformedState, protowire.ParseError(m))
			}
			fragment.Clock = value
			body = body[m:]
		case number == fieldFragmentBody && wireType == protowire.BytesType:
			value, m := protowire.ConsumeBytes(body)
			if m < 0 {
				return Fragment{}, fmt.Errorf("%w: %v", ErrMalformedState, protowire.ParseError(m))
			}
			fragment.Content = append([]byte(nil), value...)
			body = body[m:]
		default:
			m := protowire.ConsumeFieldValue(number, wireType, body)
			if m < 0 {
				return Fragment{}, fmt.Errorf("%w: %v", ErrMalformedState, protowire.ParseError(m))
			}
			body = body[m:]
		}
	}
	return fragment, nil
}

func encodeStateVector(vector map[uint64]uint64) []byte {
	clients := make([]uint64, 0, len(vector))
	for clientID := range vector {
		clients = append(clients, clientID)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	var out []byte
	for _, clientID := range clients {
		var entry []byte
		entry = protowire.AppendTag(entry, fieldEntryClient, protowire.VarintType)
		entry = protowire.AppendVarint(entry, clientID)
		entry = protowire.AppendTag(entry, fieldEntryNextClock, protowire.VarintType)
		entry = protowire.AppendVarint(entry, vector[clientID])

		out = protowire.AppendTag(out, fieldVectorEntry, protowire.BytesType)
		out = protowire.AppendBytes(out, entry)
	}
	return out
}

// DecodeStateVector parses an encoded state vector into client -> next clock.
// An empty vector decodes to an empty map.
func DecodeStateVector(encoded []byte) (map[uint64]uint64, error) {
	vector := make(map[uint64]uint64)
	for len(encoded) > 0 {
		number, wireType, n := protowire.ConsumeTag(encoded)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedStateVector, protowire.ParseError(n))
		}
		encoded = encoded[n:]
		if number != fieldVectorEntry || wireType != protowire.BytesType {
			skip := protowire.ConsumeFieldValue(number, wireType, encoded)
			if skip < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedStateVector, protowire.ParseError(skip))
			}
			encoded = encoded[skip:]
			continue
		}
		entry, n := protowire.ConsumeBytes(encoded)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedStateVector, protowire.ParseError(n))
		}
		encoded = encoded[n:]

		var clientID, nextClock uint64
		for len(entry) > 0 {
			fieldNumber, fieldType, m := protowire.ConsumeTag(entry)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedStateVector, protowire.ParseError(m))
			}
			entry = entry[m:]
			if fieldType != protowire.VarintType {
				skip := protowire.ConsumeFieldValue(fieldNumber, fieldType, entry)
				if skip < 0 {
					return nil, fmt.Errorf("%w: %v", ErrMalformedStateVector, protowire.ParseError(skip))
				}
				entry = entry[skip:]
				continue
			}
			value, k := protowire.ConsumeVarint(entry)
			if k < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedStateVector, protowire.ParseError(k))
			}
			entry = entry[k:]
			switch fieldNumber {
			case fieldEntryClient:
				clientID = value
			case fieldEntryNextClock:
				nextClock = value
			}
		}
		if nextClock > vector[clientID] {
			vector[clientID] = nextClock
		}
	}
	return vector, nil
}
