package normalize

import (
	"fmt"
	"net"
	"strings"

	"netdash/internal/model"
)

// CanonicalMAC lower-cases a hardware address and renders it colon-delimited.
// Colon, hyphen, dotted and bare 12-digit hex forms are accepted.
func CanonicalMAC(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: empty mac address", model.ErrInvalidRecord)
	}
	if len(s) == 12 && isHex(s) {
		var b strings.Builder
		for i := 0; i < 12; i += 2 {
			if i > 0 {
				b.WriteByte(':')
			}
			b.WriteString(s[i : i+2])
		}
		s = b.String()
	}
	hw, err := net.ParseMAC(s)
	if err != nil || len(hw) != 6 {
		return "", fmt.Errorf("%w: bad mac address %q", model.ErrInvalidRecord, raw)
	}
	return hw.String(), nil
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
