package adapter

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// statePayload is the signed content of the OAuth state parameter. The nonce
// makes every state unique; the issue time bounds replay.
type statePayload struct {
	Provider string `json:"provider"`
	Nonce    string `json:"nonce"`
	IssuedAt int64  `json:"iat"`
}

// Compute HMAC-SHA256 signature of a message using secret
func computeHMAC(message string, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}

// Validate HMAC signature
func validateHMAC(message, sig string, secret []byte) bool {
	expected := computeHMAC(message, secret)
	return hmac.Equal([]byte(sig), []byte(expected))
}

// SignState builds an anti-forgery state parameter bound to provider.
func SignState(secret []byte, provider string) (string, error) {
	payload := statePayload{
		Provider: provider,
		Nonce:    uuid.NewString(),
		IssuedAt: time.Now().Unix(),
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	value := base64.URLEncoding.EncodeToString(jsonData)
	sig := computeHMAC(value, secret)
	return value + "|" + sig, nil
}

// VerifyState checks the signature, provider binding and age of a state
// parameter returned on the authorization callback.
func VerifyState(secret []byte, state, provider string, maxAge time.Duration) error {
	parts := strings.Split(state, "|")
	if len(parts) != 2 {
		return errors.New("adapter: invalid state format")
	}
	value, sig := parts[0], parts[1]
	if !validateHMAC(value, sig, secret) {
		return errors.New("adapter: invalid state signature")
	}
	jsonData, err := base64.URLEncoding.DecodeString(value)
	if err != nil {
		return err
	}
	var payload statePayload
	if err := json.Unmarshal(jsonData, &payload); err != nil {
		return err
	}
	if payload.Provider != provider {
		return errors.New("adapter: state bound to a different provider")
	}
	if maxAge > 0 && time.Since(time.Unix(payload.IssuedAt, 0)) > maxAge {
		return errors.New("adapter: state expired")
	}
	return nil
}
