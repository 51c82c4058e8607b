package bitget

import "testing"

func TestSigner_Headers(t *testing.T) {
	signer := NewSigner("key", "secret", "pass")

	headers := signer.Headers("POST", "/api/v2/mix/order/place-order", "", `{"symbol":"BTCUSDT"}`)

	if headers["ACCESS-KEY"] != "key" {
		t.Errorf("ACCESS-KEY = %q, want %q", headers["ACCESS-KEY"], "key")
	}
	if headers["ACCESS-PASSPHRASE"] != "pass" {
		t.Errorf("ACCESS-PASSPHRASE = %q, want %q", headers["ACCESS-PASSPHRASE"], "pass")
	}
	if headers["ACCESS-SIGN"] == "" {
		t.Error("ACCESS-SIGN should not be empty")
	}
	if len(headers["ACCESS-TIMESTAMP"]) != 13 {
		t.Errorf("timestamp %q is not milliseconds", headers["ACCESS-TIMESTAMP"])
	}
}

func TestSigner_HMACVector(t *testing.T) {
	// Standard HMAC-SHA256 test vector, base64 encoded.
	signer := NewSigner("access", "key", "pass")

	got := signer.sign("The quick brown fox jumps over the lazy dog")
	want := "97yD9DBThCSxMpjmqm+xQ+9NWaFJRhdZl0edvC0aPNg="
	if got != want {
		t.Errorf("sign mismatch: got %s, want %s", got, want)
	}
}

func TestSigner_WSLogin(t *testing.T) {
	signer := NewSigner("key", "secret", "pass")

	apiKey, passphrase, timestamp, sign := signer.WSLogin()
	if apiKey != "key" || passphrase != "pass" {
		t.Errorf("login credentials wrong: %q %q", apiKey, passphrase)
	}
	if len(timestamp) != 10 {
		t.Errorf("timestamp %q is not seconds", timestamp)
	}
	if sign == "" {
		t.Error("sign should not be empty")
	}
}

func TestSigner_Wipe(t *testing.T) {
	signer := NewSigner("key", "secret", "pass")
	signer.Wipe()

	headers := signer.Headers("GET", "/x", "", "")
	if headers["ACCESS-KEY"] == "key" {
		t.Error("access key survived Wipe")
	}

	var nilSigner *Signer
	nilSigner.Wipe() // must not panic
}
