package crypto

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/base64"
)

// KeyChecksum returns base64(MD5(key)), the fingerprint clients send with a
// customer-supplied key.
func KeyChecksum(key []byte) string {
	sum := md5.Sum(key)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// ChecksumEqual compares two key checksums in constant time.
func ChecksumEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
