package correlation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Fingerprint identifies a completion by content so replays can be told
// apart from distinct second callbacks. Key order in the result does not
// matter; encoding/json writes map keys sorted.
func Fingerprint(status string, result json.RawMessage, extras map[string]interface{}) string {
	h := sha256.New()
	h.Write([]byte(status))
	h.Write([]byte{0})
	h.Write(canonical(result))
	h.Write([]byte{0})
	if len(extras) > 0 {
		b, _ := json.Marshal(extras)
		h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func canonical(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return b
}
