package attendance

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// DeviceFingerprint hashes the normalized device descriptor. The User-Agent
// is only used when the client sent no descriptor. Empty input gives "".
func DeviceFingerprint(deviceInfo, userAgent string) string {
	src := normalizeDescriptor(deviceInfo)
	if src == "" {
		src = normalizeDescriptor(userAgent)
		if src == "" {
			return ""
		}
		src = "ua:" + src
	}
	sum := sha256.Sum256([]byte(src))
	return hex.EncodeToString(sum[:])
}

// 全角/半角・大文字小文字・空白の揺れを吸収する
func normalizeDescriptor(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}
