package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Payload is the unit encoded into every QR code. Field names are the wire
// contract shared with independent verifiers.
type Payload struct {
	Timestamp              time.Time         `json:"timestamp"`
	SequenceNumber         uint64            `json:"sequence_number"`
	IdentityHash           string            `json:"identity_hash"`
	BlockchainHashes       map[string]string `json:"blockchain_hashes"`
	TimeServerVerification []TimeSample      `json:"time_server_verification"`
	UserData               map[string]any    `json:"user_data"`
}

// ErrMalformedPayload is returned by ParsePayload for input that is not a
// payload object.
var ErrMalformedPayload = errors.New("malformed payload")

// JSON encodes the payload compactly. Empty chain maps and sample lists are
// emitted as {} and [] rather than null.
func (p Payload) JSON() ([]byte, error) {
	out := p
	out.Timestamp = p.Timestamp.UTC()
	if out.BlockchainHashes == nil {
		out.BlockchainHashes = map[string]string{}
	}
	if out.TimeServerVerification == nil {
		out.TimeServerVerification = []TimeSample{}
	}
	return json.Marshal(out)
}

// Clone returns a deep copy so callers cannot mutate shared state.
func (p Payload) Clone() Payload {
	out := p
	out.BlockchainHashes = make(map[string]string, len(p.BlockchainHashes))
	for k, v := range p.BlockchainHashes {
		out.BlockchainHashes[k] = v
	}
	out.TimeServerVerification = append([]TimeSample(nil), p.TimeServerVerification...)
	if p.UserData != nil {
		out.UserData = cloneObject(p.UserData)
	}
	return out
}

func cloneObject(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue copies the containers JSON decoding produces; anything else is
// treated as immutable.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneObject(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

type wirePayload struct {
	Timestamp              *string           `json:"timestamp"`
	SequenceNumber         uint64            `json:"sequence_number"`
	IdentityHash           *string           `json:"identity_hash"`
	BlockchainHashes       map[string]string `json:"blockchain_hashes"`
	TimeServerVerification []TimeSample      `json:"time_server_verification"`
	UserData               map[string]any    `json:"user_data"`
}

// ParsePayload decodes raw payload JSON. Unknown fields are ignored; the
// timestamp and identity_hash fields are mandatory.
func ParsePayload(raw []byte) (*Payload, error) {
	var w wirePayload
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if w.Timestamp == nil {
		return nil, fmt.Errorf("%w: missing timestamp", ErrMalformedPayload)
	}
	if w.IdentityHash == nil {
		return nil, fmt.Errorf("%w: missing identity_hash", ErrMalformedPayload)
	}
	ts, err := ParseTimestamp(*w.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	p := &Payload{
		Timestamp:              ts,
		SequenceNumber:         w.SequenceNumber,
		IdentityHash:           *w.IdentityHash,
		BlockchainHashes:       w.BlockchainHashes,
		TimeServerVerification: w.TimeServerVerification,
		UserData:               w.UserData,
	}
	if p.BlockchainHashes == nil {
		p.BlockchainHashes = map[string]string{}
	}
	return p, nil
}

// ParseTimestamp accepts RFC 3339 with or without a zone suffix. A missing
// zone is read as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05.999999999", s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
