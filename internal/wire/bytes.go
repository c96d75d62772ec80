package wire

import (
	"encoding/base64"
	"encoding/hex"
	"strconv"

	"github.com/mosync/backend/internal/syncerr"
)

// RefLen is the fixed width of every chain hash and content ref.
const RefLen = 32

// ParseRef decodes a ref supplied as hex or base64 and enforces the fixed
// 32-byte width. Both encodings appear on the wire: hashes travel as hex in
// responses, while push bodies may carry either.
func ParseRef(field, s string) ([]byte, error) {
	if s == "" {
		return nil, syncerr.New(syncerr.Validation, "%s is empty", field)
	}
	var raw []byte
	if b, err := hex.DecodeString(s); err == nil {
		raw = b
	} else if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		raw = b
	} else if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		raw = b
	} else {
		return nil, syncerr.New(syncerr.Validation, "%s is neither hex nor base64", field)
	}
	if len(raw) != RefLen {
		return nil, syncerr.New(syncerr.Validation, "%s is %d bytes, want %d", field, len(raw), RefLen)
	}
	return raw, nil
}

// RefHex renders a ref for responses. Hashes always travel as hex.
func RefHex(ref []byte) string {
	return hex.EncodeToString(ref)
}

// B64 encodes opaque bytes fields for responses.
func B64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// ParseB64 decodes an opaque bytes field from a request.
func ParseB64(field, s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, syncerr.New(syncerr.Validation, "%s is not base64", field)
	}
	return b, nil
}

// U64String is a uint64 that serializes as a JSON decimal string. Scope
// epochs and sharing sequence numbers use it wherever full 64-bit range is
// needed; plain JSON numbers stop being exact past 2^53.
type U64String uint64

func (u U64String) MarshalJSON() ([]byte, error) {
	return []byte(`"` + strconv.FormatUint(uint64(u), 10) + `"`), nil
}

func (u *U64String) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return syncerr.New(syncerr.Validation, "invalid sequence %q", string(b))
	}
	*u = U64String(v)
	return nil
}
