package domain

import "time"

// VerificationResult is the verdict of re-checking a payload against the
// running leaves. It is always returned, never an error.
type VerificationResult struct {
	ValidJSON          bool            `json:"valid_json"`
	IdentityVerified   bool            `json:"identity_verified"`
	TimeVerified       bool            `json:"time_verified"`
	BlockchainVerified bool            `json:"blockchain_verified"`
	Chains             map[string]bool `json:"chains,omitempty"`
	Error              string          `json:"error,omitempty"`
}

// Valid is true when every predicate passed.
func (r VerificationResult) Valid() bool {
	return r.ValidJSON && r.IdentityVerified && r.TimeVerified && r.BlockchainVerified
}

// Record is an emitted payload as archived by the journal and sinks.
type Record struct {
	InstanceID string    `json:"instance_id"`
	Payload    Payload   `json:"payload"`
	CID        string    `json:"cid"`
	EmittedAt  time.Time `json:"emitted_at"`
}
