// Package pathencode implements the reversible on-disk path encoding
// spec.md §6 requires for filelog storage: it maps a tracked path
// (byte string, '/'-separated) to a filesystem location that is safe on
// case-insensitive filesystems, avoids Windows-reserved names, and
// bounds component length — while remaining injective. Decode inverts
// it (decode(encode(path)) == path) for paths with no length-hashed
// component.
//
// Grounded on the teacher's getBlobIDPath hash-sharding idiom
// (main.go), generalized from "shard by blob ID" to "escape and shard by
// path component".
package pathencode

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/rcowham/vcscore/apperr"
	"github.com/rcowham/vcscore/config"
)

// maxComponentLen bounds a single path component before it is hashed and
// truncated (spec.md §6).
const maxComponentLen = 120

// windowsReserved lists the base names (case-insensitive, extension
// stripped) that Windows treats specially.
var windowsReserved = map[string]bool{
	"con": true, "prn": true, "aux": true, "nul": true,
	"com1": true, "com2": true, "com3": true, "com4": true, "com5": true,
	"com6": true, "com7": true, "com8": true, "com9": true,
	"lpt1": true, "lpt2": true, "lpt3": true, "lpt4": true, "lpt5": true,
	"lpt6": true, "lpt7": true, "lpt8": true, "lpt9": true,
}

const escapeByte = '_'

// Encode maps a logical path to its on-disk form. policy selects whether
// a Windows-reserved component name is escaped ("warn", the default —
// Encode reports nothing to the caller) or rejected ("abort" — Encode
// returns a PathError).
func Encode(path string, policy config.WindowsNamePolicy) (string, error) {
	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		enc, reserved := encodeComponent(p)
		if reserved && policy == config.WindowsNameAbort {
			return "", apperr.NewPathError(path, fmt.Sprintf("component %q is a reserved Windows device name", p))
		}
		out = append(out, enc)
	}
	return strings.Join(out, "/"), nil
}

// encodeComponent escapes one path component: an uppercase letter becomes
// escapeByte plus its lowercase form, and escapeByte itself is doubled;
// bytes 0x7E and above (and ':') are hex-escaped as "~xx"; a reserved
// base name gets a "~w" suffix; components over maxComponentLen are
// truncated with "~" and the SHA-1 of the original component appended.
func encodeComponent(p string) (encoded string, reserved bool) {
	base := p
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	reserved = windowsReserved[strings.ToLower(base)]

	var b strings.Builder
	for i := 0; i < len(p); i++ {
		c := p[i]
		switch {
		case c >= 'A' && c <= 'Z':
			b.WriteByte(escapeByte)
			b.WriteByte(c + ('a' - 'A'))
		case c == escapeByte:
			b.WriteString("__")
		case c >= 0x7E || c == ':':
			// 0x7E ('~') itself must be escaped too, so a literal '~'
			// in the path can never be confused with an escape marker.
			fmt.Fprintf(&b, "~%02x", c)
		default:
			b.WriteByte(c)
		}
	}
	encoded = b.String()
	if reserved {
		// "~w" cannot collide with a "~xx" hex escape (w is not a hex
		// digit) or with the all-hex hash suffix below.
		encoded += "~w"
	}

	if len(encoded) > maxComponentLen {
		sum := sha1.Sum([]byte(p))
		suffix := hex.EncodeToString(sum[:])
		keep := maxComponentLen - len(suffix) - 1
		if keep < 0 {
			keep = 0
		}
		encoded = encoded[:keep] + "~" + suffix
	}
	return encoded, reserved
}

// Decode inverts Encode: given the on-disk path, recover the logical
// path. Decode is only valid for components that were not length-hashed
// (the hash branch is lossy by construction — the caller must instead
// consult the fncache, which maps encoded paths back to logical ones,
// for any component that was ever hashed). Decode does not detect a
// hashed component: the "~" before the hash is read as a hex escape, so
// such a component usually decodes without error to a string that
// differs from the original.
func Decode(encoded string) (string, error) {
	parts := strings.Split(encoded, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		dec, err := decodeComponent(p)
		if err != nil {
			return "", err
		}
		out = append(out, dec)
	}
	return strings.Join(out, "/"), nil
}

func decodeComponent(p string) (string, error) {
	p = strings.TrimSuffix(p, "~w")
	var b strings.Builder
	for i := 0; i < len(p); i++ {
		c := p[i]
		switch {
		case c == '~':
			if i+2 >= len(p) {
				return "", apperr.NewPathError(p, "truncated hex escape (path may have been length-hashed; consult fncache)")
			}
			var v int
			if _, err := fmt.Sscanf(p[i+1:i+3], "%02x", &v); err != nil {
				return "", apperr.NewPathError(p, "invalid hex escape")
			}
			b.WriteByte(byte(v))
			i += 2
		case c == escapeByte:
			if i+1 < len(p) && p[i+1] == escapeByte {
				b.WriteByte(escapeByte)
				i++
			} else if i+1 < len(p) {
				b.WriteByte(p[i+1] - ('a' - 'A'))
				i++
			}
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}
