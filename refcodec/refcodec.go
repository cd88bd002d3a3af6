// Package refcodec implements the reference-name encryption scheme
// (spec.md sec 3 "Encrypted reference names", sec 4.2): a cleartext ref name
// is turned into a filesystem-safe token under refs/heads/ on the encrypted
// repository, with any trailing ~N/^N revision suffix preserved in the
// clear. The integrity prefix embedded in the plaintext lets decryption
// reject tokens that weren't produced by this key, which is how the
// encrypted repository can carry unrelated refs (the metadata branch,
// refs another tool wrote) without the codec mistaking them for managed
// refs. The shape follows massifs/storage/prefixeduuid.go's
// encode-then-validate-and-reject pattern.
package refcodec

import (
	"crypto/sha1"
	"encoding/base64"
	"strings"

	"github.com/git-incrypt/git-incrypt/symcrypt"
)

// RefPrefix is where every managed (and, from the ER's point of view,
// foreign) ref token lives.
const RefPrefix = "refs/heads/"

// refAlphabet is the standard base64 alphabet with its filesystem-unsafe
// 64th character ('/') replaced by '#', per spec.md's "alt=\"+#\"".
const refAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+#"

var refEncoding = base64.NewEncoding(refAlphabet).WithPadding(base64.NoPadding)

// Encrypt encodes a cleartext reference name into "refs/heads/<token>",
// preserving any ~N/^N suffix in the clear after the token.
func Encrypt(key symcrypt.Key, name string) (string, error) {
	base, suffix := splitSuffix(name)

	sum := sha1.Sum([]byte(base))
	payload := append(sum[:], []byte(base)...)

	ct, err := symcrypt.Encrypt(key, payload)
	if err != nil {
		return "", err
	}
	token := refEncoding.EncodeToString(ct)
	return RefPrefix + token + suffix, nil
}

// Decrypt takes a reference name (as it appears on the encrypted
// repository, with or without a leading refs/heads/) and recovers the
// cleartext name. ok is false if name does not decode under key -- the
// caller should treat such refs as foreign and ignore them, never as a
// hard error.
func Decrypt(key symcrypt.Key, name string) (clear string, ok bool) {
	tail := name
	if i := strings.LastIndex(tail, "/"); i >= 0 {
		tail = tail[i+1:]
	}
	token, suffix := splitSuffix(tail)

	ct, err := refEncoding.DecodeString(token)
	if err != nil {
		return "", false
	}
	payload, err := symcrypt.Decrypt(key, ct)
	if err != nil {
		return "", false
	}
	if len(payload) < sha1.Size {
		return "", false
	}
	sum, base := payload[:sha1.Size], payload[sha1.Size:]
	want := sha1.Sum(base)
	if string(sum) != string(want[:]) {
		return "", false
	}
	return string(base) + suffix, true
}

// splitSuffix splits name at its first '~' or '^', the start of a revision
// expression suffix (e.g. "master~2", "v1.0^1").
func splitSuffix(name string) (base, suffix string) {
	i := strings.IndexAny(name, "~^")
	if i < 0 {
		return name, ""
	}
	return name[:i], name[i:]
}
