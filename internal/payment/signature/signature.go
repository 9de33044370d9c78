// Package signature authenticates MyFatoorah webhook deliveries.
package signature

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
)

type Version string

const (
	// V1 signs the raw body and hex-encodes the MAC.
	V1 Version = "v1"
	// V2 signs the sorted scalar fields of Data and base64-encodes the MAC.
	V2 Version = "v2"
)

// HeaderNames lists signature headers in lookup order.
var HeaderNames = []string{"x-myfatoorah-signature", "x-signature", "signature"}

var (
	errMissingData = errors.New("payload has no Data object")
	errUnknown     = errors.New("unknown signing version")
)

// ParseVersion normalizes a configured version string.
func ParseVersion(value string) (Version, bool) {
	switch Version(strings.ToLower(strings.TrimSpace(value))) {
	case V1:
		return V1, true
	case V2:
		return V2, true
	default:
		return "", false
	}
}

// HeaderSignature returns the first non-empty signature header.
func HeaderSignature(headers http.Header) string {
	for _, name := range HeaderNames {
		if value := strings.TrimSpace(headers.Get(name)); value != "" {
			return value
		}
	}
	return ""
}

// Verify reports whether signature authenticates payload under secret.
// It returns false on any malformed input instead of an error.
func Verify(payload []byte, signature, secret string, version Version) bool {
	signature = strings.TrimSpace(signature)
	if signature == "" || secret == "" || len(payload) == 0 {
		return false
	}

	expected, err := mac(payload, secret, version)
	if err != nil {
		return false
	}

	var provided []byte
	switch version {
	case V1:
		provided, err = hex.DecodeString(signature)
	case V2:
		provided, err = base64.StdEncoding.DecodeString(signature)
	default:
		return false
	}
	if err != nil {
		return false
	}
	return hmac.Equal(provided, expected)
}

// Sign produces the signature the provider would send for payload.
func Sign(payload []byte, secret string, version Version) (string, error) {
	sum, err := mac(payload, secret, version)
	if err != nil {
		return "", err
	}
	if version == V1 {
		return hex.EncodeToString(sum), nil
	}
	return base64.StdEncoding.EncodeToString(sum), nil
}

func mac(payload []byte, secret string, version Version) ([]byte, error) {
	var message []byte
	switch version {
	case V1:
		message = payload
	case V2:
		canonical, err := Canonical(payload)
		if err != nil {
			return nil, err
		}
		message = []byte(canonical)
	default:
		return nil, errUnknown
	}

	h := hmac.New(sha256.New, []byte(secret))
	_, _ = h.Write(message)
	return h.Sum(nil), nil
}

// Canonical renders the Data object of payload as "Key=Value" pairs sorted by
// key and joined with commas. Numbers keep their wire form, null renders as an
// empty string and nested objects or arrays are left out.
func Canonical(payload []byte) (string, error) {
	var envelope struct {
		Data json.RawMessage `json:"Data"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", err
	}
	if len(envelope.Data) == 0 || bytes.Equal(envelope.Data, []byte("null")) {
		return "", errMissingData
	}

	dec := json.NewDecoder(bytes.NewReader(envelope.Data))
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return "", err
	}

	keys := make([]string, 0, len(data))
	for key, value := range data {
		switch value.(type) {
		case map[string]any, []any:
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+"="+scalar(data[key]))
	}
	return strings.Join(parts, ","), nil
}

func scalar(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		if v {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}
