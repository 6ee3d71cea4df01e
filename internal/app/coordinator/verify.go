package coordinator

import "github.com/jasonlarkin/qr-live-protocol/internal/domain"

// Verify re-checks a payload against the running leaves. Malformed input
// yields ValidJSON=false; it never returns an error.
//
// A payload with no chain hashes passes the blockchain check unless
// RequireAtLeastOneChain is set.
func (c *Coordinator) Verify(raw []byte) domain.VerificationResult {
	p, err := domain.ParsePayload(raw)
	if err != nil {
		return domain.VerificationResult{Error: err.Error()}
	}
	return c.VerifyPayload(*p)
}

// VerifyPayload runs the identity, time and blockchain predicates on an
// already decoded payload.
func (c *Coordinator) VerifyPayload(p domain.Payload) domain.VerificationResult {
	res := domain.VerificationResult{
		ValidJSON:        true,
		IdentityVerified: p.IdentityHash == c.identity.Hash(),
		TimeVerified:     c.clock.VerifyTimestamp(p.Timestamp, c.cfg.MaxTimeDrift),
	}

	maxAge := c.chains.CacheDuration()
	res.BlockchainVerified = true
	if len(p.BlockchainHashes) > 0 {
		res.Chains = make(map[string]bool, len(p.BlockchainHashes))
	}
	for name, hash := range p.BlockchainHashes {
		ok := c.chains.VerifyHash(name, hash, maxAge)
		res.Chains[name] = ok
		if !ok {
			res.BlockchainVerified = false
		}
	}
	if len(p.BlockchainHashes) == 0 && c.cfg.RequireAtLeastOneChain {
		res.BlockchainVerified = false
		res.Error = "payload carries no blockchain hashes"
	}
	return res
}
