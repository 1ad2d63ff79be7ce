package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// deviceSecretBytes はデバイスシークレットの乱数バイト長。
const deviceSecretBytes = 32

// GenerateDeviceSecret はデバイスごとの共有鍵を生成する（64文字の16進文字列）。
func GenerateDeviceSecret() (string, error) {
	b := make([]byte, deviceSecretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate device secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// SignRequest は "<timestamp>.<body>" に対するHMAC-SHA256を16進文字列で返す。
// エージェントはX-Timestampに送るミリ秒Unix時刻をそのままtimestampに使う。
func SignRequest(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyRequestSignature は署名を再計算し、定数時間で比較する。
// 16進文字列として不正な署名は不一致として扱う。
func VerifyRequestSignature(secret, timestamp string, body []byte, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(SignRequest(secret, timestamp, body))
	return hmac.Equal(got, want)
}
