package extract

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// IDKeys are the payload keys a member identifier is read from, in order.
var IDKeys = []string{"@id", "id"}

// MemberID returns the identifier carried by payload under one of IDKeys.
func MemberID(payload []byte) (string, bool) {
	var doc map[string]any
	if err := yaml.Unmarshal(payload, &doc); err != nil {
		return "", false
	}
	for _, key := range IDKeys {
		switch v := doc[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s, true
			}
		case int, int64, uint64:
			return fmt.Sprint(v), true
		}
	}
	return "", false
}

// MemberIDOrNew returns MemberID, or a fresh random UUID when the payload
// carries none.
func MemberIDOrNew(payload []byte) string {
	if id, ok := MemberID(payload); ok {
		return id
	}
	return uuid.NewString()
}
