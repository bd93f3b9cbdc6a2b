package transform

import (
	"encoding/hex"
	"strconv"

	"github.com/zeebo/blake3"

	"github.com/ironsheep/image-proxy/internal/imaging"
)

// KeySize is the length of a cache key digest in bytes.
const KeySize = 16

// Key derives the cache key of spec applied to the source identified by
// identity. The result is KeySize bytes of BLAKE3 in lower-case hex.
func Key(identity string, spec Spec) string {
	sum := blake3.Sum256([]byte(identity + spec.Canonical()))
	return hex.EncodeToString(sum[:KeySize])
}

// SourceIdentity returns the string that identifies src in a cache key.
//
// By default this is the source path alone, so a source replaced in place
// keeps serving its old cache entries. With includeStat the modification
// time and size are appended and an edited source gets new keys.
func SourceIdentity(src imaging.Source, includeStat bool) string {
	if !includeStat {
		return src.Path
	}
	return src.Path + "@" + strconv.FormatInt(src.ModTime.UnixNano(), 10) + ":" + strconv.FormatInt(src.Size, 10)
}
