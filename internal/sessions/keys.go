package sessions

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// maxEncodedKeyLen keeps encoded names well under common 255-byte
// filename limits once an extension is appended.
const maxEncodedKeyLen = 200

// hashedKeyPrefix marks digest-named keys. It is outside the literal
// alphabet and is never produced by the run encoding.
const hashedKeyPrefix = "~"

// EncodeKey maps a session key to a filesystem- and namespace-safe
// identifier. Letters, digits, '.' and '-' pass through; every maximal
// run of other bytes becomes "_<hex>_". Because '_' only ever appears as
// a run delimiter and hex never contains '_', the encoding is injective
// and DecodeKey reverses it.
//
// Keys whose encoding would exceed maxEncodedKeyLen are named by the
// blake3 digest of the raw key instead.
func EncodeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))

	run := make([]byte, 0, 8)
	flush := func() {
		if len(run) == 0 {
			return
		}
		b.WriteByte('_')
		b.WriteString(hex.EncodeToString(run))
		b.WriteByte('_')
		run = run[:0]
	}

	for i := 0; i < len(key); i++ {
		c := key[i]
		if isLiteral(c) {
			flush()
			b.WriteByte(c)
			continue
		}
		run = append(run, c)
	}
	flush()

	encoded := b.String()
	if len(encoded) > maxEncodedKeyLen {
		sum := blake3.Sum256([]byte(key))
		return hashedKeyPrefix + hex.EncodeToString(sum[:])
	}
	return encoded
}

// DecodeKey reverses EncodeKey. Digest-named keys cannot be reversed and
// report ok=false, as does any malformed input.
func DecodeKey(encoded string) (key string, ok bool) {
	if strings.HasPrefix(encoded, hashedKeyPrefix) {
		return "", false
	}

	var b strings.Builder
	for i := 0; i < len(encoded); {
		c := encoded[i]
		if isLiteral(c) {
			b.WriteByte(c)
			i++
			continue
		}
		if c != '_' {
			return "", false
		}
		end := strings.IndexByte(encoded[i+1:], '_')
		if end <= 0 {
			return "", false
		}
		raw, err := hex.DecodeString(encoded[i+1 : i+1+end])
		if err != nil {
			return "", false
		}
		b.Write(raw)
		i += end + 2
	}
	return b.String(), true
}

func isLiteral(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '.' || c == '-':
		return true
	}
	return false
}
