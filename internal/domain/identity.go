package domain

import "time"

// IdentityInfo is the full input set behind an identity hash.
type IdentityInfo struct {
	Version      string            `json:"version"`
	Algorithm    string            `json:"algorithm"`
	CreatedAt    time.Time         `json:"created_at"`
	SystemInfo   map[string]string `json:"system_info"`
	FileHashes   map[string]string `json:"file_hashes"`
	CustomData   map[string]string `json:"custom_data"`
	IdentityHash string            `json:"identity_hash,omitempty"`
}

func (i IdentityInfo) Clone() IdentityInfo {
	out := i
	out.SystemInfo = copyStrings(i.SystemInfo)
	out.FileHashes = copyStrings(i.FileHashes)
	out.CustomData = copyStrings(i.CustomData)
	return out
}

func copyStrings(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
