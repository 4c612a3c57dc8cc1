// Package idhash derives withdrawal identifiers by hashing the request
// attributes with the request timestamp. The hash is deterministic for a
// given input set; distinct requests get distinct ids via the timestamp.
package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ComputeWithdrawalID computes a deterministic withdrawal id using SHA256.
// Formula: SHA256(user_id|to_address|amount|asset_symbol|requested_at)
// Returns hex-encoded hash (64 characters).
func ComputeWithdrawalID(
	userID string,
	toAddress string,
	amount int64,
	assetSymbol string,
	requestedAt int64,
) string {
	data := fmt.Sprintf("%s|%s|%d|%s|%d",
		userID,
		toAddress,
		amount,
		assetSymbol,
		requestedAt,
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
