package humangate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/flowgate/internal/domain"
)

const decisionTokenPrefix = "flowgate_decision_v1"

var ErrDecisionTokenInvalid = errors.New("decision token is invalid")

// SignDecision returns a token binding every field of rec except Token.
func SignDecision(secret []byte, rec domain.DecisionRecord) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("secret is required")
	}
	rec.Token = ""
	payloadJSON, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal decision: %w", err)
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(payloadJSON)
	return strings.Join([]string{decisionTokenPrefix, payloadB64, computeSignature(secret, payloadB64)}, "."), nil
}

// VerifyDecisionToken checks the signature and returns the signed record.
func VerifyDecisionToken(secret []byte, token string) (domain.DecisionRecord, error) {
	if len(secret) == 0 {
		return domain.DecisionRecord{}, errors.New("secret is required")
	}
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 || parts[0] != decisionTokenPrefix || parts[1] == "" || parts[2] == "" {
		return domain.DecisionRecord{}, ErrDecisionTokenInvalid
	}
	expected, err := base64.RawURLEncoding.DecodeString(computeSignature(secret, parts[1]))
	if err != nil {
		return domain.DecisionRecord{}, ErrDecisionTokenInvalid
	}
	got, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return domain.DecisionRecord{}, ErrDecisionTokenInvalid
	}
	if !hmac.Equal(expected, got) {
		return domain.DecisionRecord{}, ErrDecisionTokenInvalid
	}
	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return domain.DecisionRecord{}, ErrDecisionTokenInvalid
	}
	var rec domain.DecisionRecord
	if err := json.Unmarshal(payloadJSON, &rec); err != nil {
		return domain.DecisionRecord{}, ErrDecisionTokenInvalid
	}
	rec.Token = strings.TrimSpace(token)
	return rec, nil
}

func computeSignature(secret []byte, payloadB64 string) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte("flowgate-decision-v1\n"))
	_, _ = mac.Write([]byte(payloadB64))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
