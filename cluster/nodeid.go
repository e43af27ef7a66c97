package cluster

import (
	"crypto/sha1"
	"encoding/hex"
)

// nodeIDLen matches the 40 hex characters of a real Redis Cluster
// node ID.
const nodeIDLen = 40

// NodeID derives the synthetic node identity CLUSTER NODES/SLOTS uses
// for (dbname, addr): a SHA-1 hex digest, padded or truncated to
// exactly 40 characters with '_' to mimic the real Redis node ID
// format.
func NodeID(dbname, addr string) string {
	sum := sha1.Sum([]byte(dbname + "|" + addr))
	hexDigest := hex.EncodeToString(sum[:])
	if len(hexDigest) >= nodeIDLen {
		return hexDigest[:nodeIDLen]
	}
	for len(hexDigest) < nodeIDLen {
		hexDigest += "_"
	}
	return hexDigest
}
