package xascii

import (
	"bytes"
	"unsafe"
)

const (
	upperToLower = 'a' - 'A'

	// headerOWS is the set of optional whitespace characters allowed around
	// the elements of a comma separated header value list.
	headerOWS = "\x09\x20"
)

// UnsafeConstBytes's result internals must not be modified in any way.
// It must also not be saved to a context that outlives the string passed
// to this function, that includes any context that makes a sub-slice of
// the result without allocating a new slice.
//
// returns nil if the string is empty.
func UnsafeConstBytes[T ~string](s T) []byte {
	p := string(s)

	if len(p) == 0 {
		return nil
	}

	return unsafe.Slice(unsafe.StringData(p), len(p))
}

func normalize(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + upperToLower
	}

	return b
}

func EqualsIgnoreCase[T ~string | ~[]byte](s1, s2 T) bool {
	if len(s1) != len(s2) {
		return false
	}

	for i := range len(s1) {
		b1, b2 := s1[i], s2[i]
		if b1 == b2 {
			continue
		}

		if normalize(b1) != normalize(b2) {
			return false
		}
	}

	return true
}

// CutByte slices s around the first instance of sep. The returned slices
// have their capacity clipped so appending to them never clobbers s.
func CutByte(s []byte, sep byte) ([]byte, []byte) {
	i := bytes.IndexByte(s, sep)
	if i == -1 {
		return s, nil
	}

	return s[:i:i], s[i+1 : len(s) : len(s)]
}

func Trim(s []byte, cutset []byte) []byte {
	if len(s) == 0 || len(cutset) == 0 {
		return s[:len(s):len(s)]
	}

	for len(s) > 0 && bytes.IndexByte(cutset, s[0]) != -1 {
		s = s[1:]
	}

	for len(s) > 0 && bytes.IndexByte(cutset, s[len(s)-1]) != -1 {
		s = s[:len(s)-1]
	}

	return s[:len(s):len(s)]
}

// ContainsToken reports whether any of the comma separated header values
// contains token, compared case-insensitively. It does not allocate.
func ContainsToken(values []string, token string) bool {
	ucbCutset := UnsafeConstBytes(headerOWS)
	ucbToken := UnsafeConstBytes(token)

	for _, v := range values {
		if len(v) == 0 {
			continue
		}

		ucbNext := UnsafeConstBytes(v)
		var ucbCur []byte
		for {
			ucbCur, ucbNext = CutByte(ucbNext, ',')
			if EqualsIgnoreCase(Trim(ucbCur, ucbCutset), ucbToken) {
				return true
			}
			if len(ucbNext) == 0 {
				break
			}
		}
	}

	return false
}
