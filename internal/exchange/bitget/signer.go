package bitget

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"
)

// Signer produces Bitget V2 API authentication material. Keys are held
// as []byte so Wipe can zero them when the connector shuts down.
type Signer struct {
	accessKey  []byte
	secretKey  []byte
	passphrase []byte
}

// NewSigner copies the credentials into wipeable buffers.
func NewSigner(accessKey, secretKey, passphrase string) *Signer {
	return &Signer{
		accessKey:  []byte(accessKey),
		secretKey:  []byte(secretKey),
		passphrase: []byte(passphrase),
	}
}

// Wipe zeroes the key material. The signer is unusable afterwards.
func (s *Signer) Wipe() {
	if s == nil {
		return
	}
	wipe(s.accessKey)
	wipe(s.secretKey)
	wipe(s.passphrase)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Headers builds the signed REST header set. The signature payload is
// timestamp + method + path + query + body, HMAC-SHA256 over the secret
// key, base64 encoded. Query must include the leading "?" when present.
func (s *Signer) Headers(method, path, query, body string) map[string]string {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	signature := s.sign(timestamp + method + path + query + body)

	return map[string]string{
		"ACCESS-KEY":        string(s.accessKey),
		"ACCESS-SIGN":       signature,
		"ACCESS-TIMESTAMP":  timestamp,
		"ACCESS-PASSPHRASE": string(s.passphrase),
		"Content-Type":      "application/json",
		"locale":            "en-US",
	}
}

// WSLogin builds the websocket login request arguments. The private
// stream signs a fixed verification path with a seconds timestamp.
func (s *Signer) WSLogin() (apiKey, passphrase, timestamp, signature string) {
	timestamp = strconv.FormatInt(time.Now().Unix(), 10)
	signature = s.sign(timestamp + "GET" + "/user/verify")
	return string(s.accessKey), string(s.passphrase), timestamp, signature
}

func (s *Signer) sign(payload string) string {
	mac := hmac.New(sha256.New, s.secretKey)
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
