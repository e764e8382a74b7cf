package storage

// MaxKeyBytes is the longest a normalized key may be (§3).
const MaxKeyBytes = 255

// MaxValueBytes is the largest a value may be (§3).
const MaxValueBytes = 32 * 1024

// ValidateKey normalizes raw into lowercase ASCII and checks the charset and
// length rules of §4.1: 1..=255 bytes of ASCII letters and digits, case-fold
// only over ASCII. Any byte >= 0x80 is rejected rather than silently kept.
func ValidateKey(raw string) (string, error) {
	if len(raw) == 0 || len(raw) > MaxKeyBytes {
		return "", errInvalidKey(raw)
	}

	buf := make([]byte, len(raw))
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c >= 'A' && c <= 'Z':
			buf[i] = c - 'A' + 'a'
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			buf[i] = c
		default:
			return "", errInvalidKey(raw)
		}
	}

	return string(buf), nil
}

// ValidateValue checks the size cap on a value (§3).
func ValidateValue(key string, v []byte) error {
	if len(v) > MaxValueBytes {
		return errValueTooLarge(key)
	}
	return nil
}

// charIndex maps a normalized alphabet character (0-9, a-z) to its position
// in the 36-wide children array used by the trie (§4.4).
func charIndex(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'z':
		return int(c-'a') + 10
	default:
		panic("storage: charIndex of non-alphanumeric byte")
	}
}

// indexChar is the inverse of charIndex.
func indexChar(ix int) byte {
	switch {
	case ix >= 0 && ix <= 9:
		return byte(ix) + '0'
	case ix >= 10 && ix < 36:
		return byte(ix-10) + 'a'
	default:
		panic("storage: indexChar out of range")
	}
}

// alphabetSize is the number of possible next characters in a normalized key.
const alphabetSize = 36
