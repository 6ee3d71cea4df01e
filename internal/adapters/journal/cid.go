package journal

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/jasonlarkin/qr-live-protocol/internal/domain"
)

// PayloadCID returns the CIDv1 (raw, sha2-256) of the payload's wire form.
func PayloadCID(p domain.Payload) (string, error) {
	raw, err := p.JSON()
	if err != nil {
		return "", err
	}
	sum, err := multihash.Sum(raw, multihash.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

// VerifyCID checks that r.CID addresses r.Payload.
func VerifyCID(r *domain.Record) error {
	want, err := cid.Decode(r.CID)
	if err != nil {
		return fmt.Errorf("record %d: invalid cid: %w", r.Payload.SequenceNumber, err)
	}
	raw, err := r.Payload.JSON()
	if err != nil {
		return err
	}
	got, err := want.Prefix().Sum(raw)
	if err != nil {
		return err
	}
	if !got.Equals(want) {
		return fmt.Errorf("record %d: cid mismatch: have %s, content hashes to %s", r.Payload.SequenceNumber, want, got)
	}
	return nil
}
