// Package ustr implements the fixed-width name type used by filesystem
// dentries.
package ustr

// Ustr is a byte-string name, compared by byte equality rather than Go
// string semantics so it composes directly with fixed-width on-disk fields.
type Ustr []uint8

// Eq compares two Ustr values for equality.
func (us Ustr) Eq(s Ustr) bool {
	if len(us) != len(s) {
		return false
	}
	for i, v := range us {
		if v != s[i] {
			return false
		}
	}
	return true
}

// MkUstr creates an empty Ustr value.
func MkUstr() Ustr {
	return Ustr{}
}

// MkUstrSlice converts a NUL-terminated byte slice to a Ustr, truncating at
// the first NUL.
func MkUstrSlice(buf []uint8) Ustr {
	for i := 0; i < len(buf); i++ {
		if buf[i] == 0 {
			return buf[:i]
		}
	}
	return buf
}

// String converts the Ustr to a Go string.
func (us Ustr) String() string {
	return string(us)
}

// NameWidth is the fixed width of an on-disk dentry name field.
const NameWidth = 32

// ToFixed encodes us into a NameWidth-byte, NUL-padded field. It panics if
// us does not fit.
func (us Ustr) ToFixed() [NameWidth]byte {
	if len(us) > NameWidth {
		panic("name too long")
	}
	var out [NameWidth]byte
	copy(out[:], us)
	return out
}

// FromFixed decodes a NameWidth-byte NUL-padded field into a Ustr.
func FromFixed(field [NameWidth]byte) Ustr {
	return MkUstrSlice(field[:])
}

// EqFixed compares us against the name stored in a fixed-width field, by
// byte equality over the full field exactly as the on-disk format requires
// (not just up to the first NUL).
func (us Ustr) EqFixed(field [NameWidth]byte) bool {
	if len(us) > NameWidth {
		return false
	}
	return us.ToFixed() == field
}
