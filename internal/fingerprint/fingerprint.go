// Package fingerprint computes the stable hash used to recognize
// recurrences of the same error across captures, process restarts and
// hosts. Fingerprints are persisted and compared against stored values, so
// the function must stay deterministic: no seeding, no map iteration, no
// time input.
package fingerprint

import "hash/fnv"

// machineMixPrime is the fixed odd prime used to fold the machine-name
// hash into the detail hash. Order-sensitive: mixing A into B is not the
// same as mixing B into A.
const machineMixPrime = 397

// Compute returns the fingerprint for the given detail text, or false when
// the detail text is empty. When includeMachine is set, the machine name is
// mixed in so identical errors on different hosts roll up separately.
func Compute(detail, machineName string, includeMachine bool) (int64, bool) {
	if detail == "" {
		return 0, false
	}
	h := hash64(detail)
	if includeMachine {
		h = h*machineMixPrime ^ hash64(machineName)
	}
	return int64(h), true
}

// hash64 is 64-bit FNV-1a over the raw bytes of s.
func hash64(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}
