package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
)

func TestGenerateDeviceSecret(t *testing.T) {
	a, err := GenerateDeviceSecret()
	if err != nil {
		t.Fatalf("GenerateDeviceSecret() error = %v", err)
	}
	b, err := GenerateDeviceSecret()
	if err != nil {
		t.Fatalf("GenerateDeviceSecret() error = %v", err)
	}

	if len(a) != 64 {
		t.Errorf("len(secret) = %d, want 64", len(a))
	}
	if _, err := hex.DecodeString(a); err != nil {
		t.Errorf("secret is not hex: %v", err)
	}
	if a == b {
		t.Error("2回生成したシークレットが一致した")
	}
}

func TestSignRequest_MatchesCanonicalMessage(t *testing.T) {
	secret := "device-secret"
	ts := "1736150400000"
	body := []byte(`{"action":"start"}`)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "." + string(body)))
	want := hex.EncodeToString(mac.Sum(nil))

	if got := SignRequest(secret, ts, body); got != want {
		t.Errorf("SignRequest() = %q, want %q", got, want)
	}
}

func TestVerifyRequestSignature(t *testing.T) {
	secret := "device-secret"
	ts := "1736150400000"
	body := []byte(`{"activities":[]}`)
	sig := SignRequest(secret, ts, body)

	tests := []struct {
		name      string
		secret    string
		timestamp string
		body      []byte
		signature string
		want      bool
	}{
		{"正しい署名", secret, ts, body, sig, true},
		{"大文字の16進も受け付ける", secret, ts, body, strings.ToUpper(sig), true},
		{"ボディ改ざん", secret, ts, []byte(`{"activities":[1]}`), sig, false},
		{"タイムスタンプ改ざん", secret, "1736150400001", body, sig, false},
		{"別デバイスのシークレット", "other", ts, body, sig, false},
		{"16進でない署名", secret, ts, body, "zz", false},
		{"空の署名", secret, ts, body, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := VerifyRequestSignature(tt.secret, tt.timestamp, tt.body, tt.signature)
			if got != tt.want {
				t.Errorf("VerifyRequestSignature() = %v, want %v", got, tt.want)
			}
		})
	}
}
