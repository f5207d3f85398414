package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyHolder(t *testing.T) *KeyHolder {
	t.Helper()
	kh, err := NewKeyHolder([]byte("a fixed 32-byte test signing key"), true)
	require.NoError(t, err)
	return kh
}

func TestNewKeyHolder_RequiresKeyOutsideDevMode(t *testing.T) {
	_, err := NewKeyHolder(nil, false)
	assert.Error(t, err)
}

func TestNewKeyHolder_DevModeGeneratesRandomKey(t *testing.T) {
	kh, err := NewKeyHolder(nil, true)
	require.NoError(t, err)
	assert.Len(t, kh.Key(), 32)
}

func TestDerive_IsDeterministicForSameInputs(t *testing.T) {
	kh := testKeyHolder(t)
	a := Derive(kh, "203.0.113.7", "Mozilla/5.0", nil)
	b := Derive(kh, "203.0.113.7", "Mozilla/5.0", nil)
	assert.Equal(t, a, b)
}

func TestDerive_DifferentInputsProduceDifferentSignatures(t *testing.T) {
	kh := testKeyHolder(t)
	a := Derive(kh, "203.0.113.7", "Mozilla/5.0", nil)
	b := Derive(kh, "198.51.100.2", "Mozilla/5.0", nil)
	assert.NotEqual(t, a.Primary, b.Primary)
	assert.NotEqual(t, a.IP, b.IP)
	assert.Equal(t, a.UA, b.UA, "UA-only signature should be unaffected by IP")
}

func TestDerive_DifferentKeysProduceDifferentSignatures(t *testing.T) {
	kh1, err := NewKeyHolder([]byte("key one padded to 32 bytes!!!!!"), true)
	require.NoError(t, err)
	kh2, err := NewKeyHolder([]byte("key two padded to 32 bytes!!!!!"), true)
	require.NoError(t, err)

	a := Derive(kh1, "203.0.113.7", "Mozilla/5.0", nil)
	b := Derive(kh2, "203.0.113.7", "Mozilla/5.0", nil)
	assert.NotEqual(t, a.Primary, b.Primary)
}

func TestDerive_ClientSideFieldsOnlySetWhenFingerprintProvided(t *testing.T) {
	kh := testKeyHolder(t)
	without := Derive(kh, "203.0.113.7", "Mozilla/5.0", nil)
	assert.Empty(t, without.ClientSide)
	assert.Empty(t, without.Plugin)

	with := Derive(kh, "203.0.113.7", "Mozilla/5.0", &ClientSideFingerprint{Canvas: "c", WebGL: "g", Audio: "a"})
	assert.NotEmpty(t, with.ClientSide)
}

func TestFuzzyMatch_IdenticalSetsStronglyMatch(t *testing.T) {
	kh := testKeyHolder(t)
	s := Derive(kh, "203.0.113.7", "Mozilla/5.0", nil)
	assert.True(t, FuzzyMatch(s, s, DefaultMatchOptions()))
}

func TestFuzzyMatch_WeakOverlapBelowThresholdDoesNotMatch(t *testing.T) {
	kh := testKeyHolder(t)
	a := Derive(kh, "203.0.113.7", "Mozilla/5.0", nil)
	b := Derive(kh, "198.51.100.9", "Opera/9.0", nil)
	assert.False(t, FuzzyMatch(a, b, DefaultMatchOptions()))
}

func TestFuzzyMatch_TwoWeakFactorsClearWeakMatchThreshold(t *testing.T) {
	a := Set{IP: "ip-x", IPSubnet: "subnet-x"}
	b := Set{IP: "ip-x", IPSubnet: "subnet-x"}
	// WeightIP(50) + WeightIPSubnet(30) = 80 across 2 factors, meeting the
	// weak-match floor without reaching the strong-match weight of 100.
	assert.True(t, FuzzyMatch(a, b, DefaultMatchOptions()))
}

func TestFuzzyMatch_SingleWeakFactorInsufficientOnItsOwn(t *testing.T) {
	a := Set{IP: "ip-x"}
	b := Set{IP: "ip-x"}
	assert.False(t, FuzzyMatch(a, b, DefaultMatchOptions()), "one factor at weight 50 clears neither threshold on its own")
}
