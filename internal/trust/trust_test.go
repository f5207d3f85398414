package trust

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("upstream trust shared secret")

func signedHeaders(t *testing.T, secret []byte, detected, probability string, ts time.Time) Headers {
	t.Helper()
	epoch := ts.Unix()
	message := fmt.Sprintf("%s:%s:%d", detected, probability, epoch)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(message))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return Headers{
		Detected:       detected,
		Probability:    probability,
		BotType:        "Crawler",
		RiskBand:       "High",
		Signature:      sig,
		SignatureEpoch: strconv.FormatInt(epoch, 10),
	}
}

func TestVerify_AcceptsCorrectlySignedHeaders(t *testing.T) {
	v := NewVerifier(testSecret, 5*time.Minute, true)
	now := time.Now()
	h := signedHeaders(t, testSecret, "true", "0.92", now)

	hydrated, err := v.Verify(h, now)
	require.NoError(t, err)
	assert.True(t, hydrated.Detected)
	assert.Equal(t, 0.92, hydrated.Probability)
	assert.Equal(t, "Crawler", hydrated.BotType)
}

func TestVerify_RejectsTamperedProbability(t *testing.T) {
	v := NewVerifier(testSecret, 5*time.Minute, true)
	now := time.Now()
	h := signedHeaders(t, testSecret, "true", "0.92", now)
	h.Probability = "0.01" // tampered after signing

	_, err := v.Verify(h, now)
	assert.Error(t, err)
}

func TestVerify_RejectsWrongSecret(t *testing.T) {
	v := NewVerifier(testSecret, 5*time.Minute, true)
	now := time.Now()
	h := signedHeaders(t, []byte("a different secret entirely"), "true", "0.92", now)

	_, err := v.Verify(h, now)
	assert.Error(t, err)
}

func TestVerify_RejectsStaleSignature(t *testing.T) {
	v := NewVerifier(testSecret, 1*time.Minute, true)
	old := time.Now().Add(-10 * time.Minute)
	h := signedHeaders(t, testSecret, "true", "0.92", old)

	_, err := v.Verify(h, time.Now())
	assert.Error(t, err)
}

func TestVerify_RequiredButMissingSignatureFailsClosed(t *testing.T) {
	v := NewVerifier(testSecret, 5*time.Minute, true)
	_, err := v.Verify(Headers{Detected: "true", Probability: "0.9"}, time.Now())
	assert.Error(t, err)
}

func TestVerify_UnsignedAcceptedWhenNotRequiredAndNoSecretConfigured(t *testing.T) {
	v := NewVerifier(nil, 5*time.Minute, false)
	hydrated, err := v.Verify(Headers{Detected: "true", Probability: "0.77"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0.77, hydrated.Probability)
}

func TestVerify_RejectsOversizedSignalsPayload(t *testing.T) {
	v := NewVerifier(nil, 5*time.Minute, false)
	oversized := make([]byte, MaxSignalsBytes+1)
	for i := range oversized {
		oversized[i] = 'a'
	}
	_, err := v.Verify(Headers{Signals: string(oversized)}, time.Now())
	assert.Error(t, err)
}

func TestVerify_MalformedContributionsJSONFails(t *testing.T) {
	v := NewVerifier(nil, 5*time.Minute, false)
	_, err := v.Verify(Headers{Contributions: "not json"}, time.Now())
	assert.Error(t, err)
}
