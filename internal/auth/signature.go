package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// SignaturePrefix 支付回调签名头的取值格式：sha256=<hex>
const SignaturePrefix = "sha256="

var ErrInvalidSignature = errors.New("invalid payload signature")

// SignPayload 计算 body 的 HMAC-SHA256 签名
func SignPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifyPayload 常量时间比较签名；secret 为空时一律拒绝
func VerifyPayload(secret string, body []byte, signature string) error {
	if strings.TrimSpace(secret) == "" {
		return ErrInvalidSignature
	}
	signature = strings.TrimSpace(signature)
	if !strings.HasPrefix(strings.ToLower(signature), SignaturePrefix) {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(signature[len(SignaturePrefix):])
	if err != nil {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}
