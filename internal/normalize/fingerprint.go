package normalize

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
)

var fieldEscaper = strings.NewReplacer(`\`, `\\`, `|`, `\|`)

// Fingerprint hashes the dimension fields in fixed order. Fields are escaped
// before joining so the delimiter can never collide with field content, then
// the join is hashed to the 32-char hex digest used as the dedup key.
func Fingerprint(fields ...string) string {
	escaped := make([]string, len(fields))
	for i, f := range fields {
		escaped[i] = fieldEscaper.Replace(f)
	}
	sum := md5.Sum([]byte(strings.Join(escaped, "|")))
	return hex.EncodeToString(sum[:])
}

// TransactionFingerprint covers (date, platform, category, product, status,
// sub_id, order_id, product_id).
func TransactionFingerprint(date, platform, category, product, status, subID, orderID, productID string) string {
	return Fingerprint(date, platform, category, product, status, subID, orderID, productID)
}

// ClickFingerprint covers (date, channel, sub_id).
func ClickFingerprint(date, channel, subID string) string {
	return Fingerprint(date, channel, subID)
}
