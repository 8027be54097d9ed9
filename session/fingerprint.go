package session

import "github.com/cespare/xxhash/v2"

// Fingerprint identifies a session payload. It is kept in memory by the
// handler that read the payload and never persisted.
type Fingerprint struct {
	Sum uint64
	Len int
}

// Sum fingerprints data.
func Sum(data []byte) Fingerprint {
	return Fingerprint{Sum: xxhash.Sum64(data), Len: len(data)}
}

// IsZero reports whether no payload has been fingerprinted.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}
