package loader

import (
	"path/filepath"
	"strings"
)

// IdentityPrefix starts every unit identity.
const IdentityPrefix = "__main__"

const hexDigits = "0123456789abcdef"

// Identity derives the registry key of the script at absPath.
//
// Every byte outside [A-Za-z0-9] is written as '_' plus two lowercase hex
// digits, so the mapping is injective and the result never contains '.',
// which is reserved for separating submodule names.
func Identity(absPath string) string {
	var b strings.Builder
	b.Grow(len(IdentityPrefix) + len(absPath)*3)
	b.WriteString(IdentityPrefix)
	for i := 0; i < len(absPath); i++ {
		c := absPath[i]
		if isAlnum(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('_')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0x0f])
	}
	return b.String()
}

// SubmoduleIdentity names the file at path, required on behalf of the unit
// whose script lives at unitPath. The name is the unit identity, a dot, and
// the path relative to the unit's directory with ".js" stripped and
// separators turned into dots. Segment bytes outside [A-Za-z0-9_-] are
// percent-escaped so names stay readable for prefix matching.
func SubmoduleIdentity(unitID, unitPath, path string) string {
	rel, err := filepath.Rel(filepath.Dir(unitPath), path)
	if err != nil {
		rel = path
	}
	rel = strings.TrimSuffix(filepath.ToSlash(rel), ".js")

	segments := strings.Split(rel, "/")
	for i, seg := range segments {
		segments[i] = escapeSegment(seg)
	}
	return unitID + "." + strings.Join(segments, ".")
}

func escapeSegment(seg string) string {
	var b strings.Builder
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		if isAlnum(c) || c == '_' || c == '-' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperHex[c>>4])
		b.WriteByte(upperHex[c&0x0f])
	}
	return b.String()
}

const upperHex = "0123456789ABCDEF"

func isAlnum(c byte) bool {
	return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}
