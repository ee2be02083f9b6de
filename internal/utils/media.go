package utils

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var ErrInvalidDataURL = errors.New("invalid data url")

// IsDataURL reports whether value is an inline data: URL.
func IsDataURL(value string) bool {
	return strings.HasPrefix(strings.TrimSpace(value), "data:")
}

// DataURL builds a base64 data URL for an inline vendor payload.
func DataURL(mimeType, base64Payload string) string {
	mimeType = strings.TrimSpace(mimeType)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return "data:" + mimeType + ";base64," + strings.TrimSpace(base64Payload)
}

// SplitDataURL 拆出 mime 类型与 base64 内容，仅支持 base64 编码
func SplitDataURL(value string) (mimeType, payload string, ok bool) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "data:") {
		return "", "", false
	}
	header, payload, found := strings.Cut(strings.TrimPrefix(value, "data:"), ",")
	if !found || !strings.HasSuffix(header, ";base64") {
		return "", "", false
	}
	return strings.TrimSuffix(header, ";base64"), strings.TrimSpace(payload), true
}

// DecodeDataURL decodes an inline payload. The mime type falls back to
// content sniffing when the header omits it.
func DecodeDataURL(value string) ([]byte, string, error) {
	mimeType, payload, ok := SplitDataURL(value)
	if !ok {
		return nil, "", ErrInvalidDataURL
	}
	if payload == "" {
		return nil, "", fmt.Errorf("%w: empty payload", ErrInvalidDataURL)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidDataURL, err)
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}
