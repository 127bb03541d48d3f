package vcr

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func fp(t testing.TB) FingerprintInput {
	t.Helper()
	return FingerprintInput{Provider: "openai", Model: "gpt-4o", Messages: []map[string]string{{"role": "user", "content": "hi"}}}
}

func TestFingerprintIsPureAndDeterministic(t *testing.T) {
	in := fp(t)
	a, err := Fingerprint(in, MatchExact)
	require.NoError(t, err)
	b, err := Fingerprint(in, MatchExact)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFingerprintFuzzyElidesSamplingParams(t *testing.T) {
	temp1 := 0.2
	temp2 := 0.9
	base := fp(t)
	in1, in2 := base, base
	in1.Temperature = &temp1
	in2.Temperature = &temp2

	exact1, _ := Fingerprint(in1, MatchExact)
	exact2, _ := Fingerprint(in2, MatchExact)
	assert.NotEqual(t, exact1, exact2)

	fuzzy1, _ := Fingerprint(in1, MatchFuzzy)
	fuzzy2, _ := Fingerprint(in2, MatchFuzzy)
	assert.Equal(t, fuzzy1, fuzzy2)
}

func TestCassetteSignVerifyRoundTrip(t *testing.T) {
	c := &Cassette{Fingerprint: "abc", Provider: "openai", Model: "gpt-4o",
		Request: json.RawMessage(`{"a":1}`), Response: json.RawMessage(`{"b":2}`), StatusCode: 200}
	secret := []byte("top-secret")
	require.NoError(t, c.Sign(secret))
	assert.NoError(t, c.Verify(secret))
}

func TestCassetteVerifyFailsWithWrongSecret(t *testing.T) {
	c := &Cassette{Fingerprint: "abc", Provider: "openai", Model: "gpt-4o"}
	require.NoError(t, c.Sign([]byte("real-secret")))
	err := c.Verify([]byte("wrong-secret"))
	assert.ErrorIs(t, err, ErrTamper)
}

func TestCassetteUnsignedIsBackwardCompatible(t *testing.T) {
	c := Cassette{Fingerprint: "abc", Provider: "openai"}
	assert.NoError(t, c.Verify([]byte("any-secret")))
}

func TestStorePutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, []byte("secret"))
	c := &Cassette{Fingerprint: "fp1", Provider: "openai", Model: "gpt-4o",
		Request: json.RawMessage(`{}`), Response: json.RawMessage(`{"ok":true}`), StatusCode: 200}
	require.NoError(t, s.Put(c))

	got, err := s.Get("openai", "fp1")
	require.NoError(t, err)
	assert.Equal(t, c.Model, got.Model)
	assert.NotEmpty(t, got.Signature)
}

func TestStoreGetMissingReturnsNotFound(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	_, err := s.Get("openai", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVCRModeReplayMissReturnsError(t *testing.T) {
	v := New(Config{Mode: ModeReplay, MatchMode: MatchExact, CassettesDir: t.TempDir()})
	_, err := v.Decide("openai", fp(t))
	assert.ErrorIs(t, err, ErrVCRMiss)
}

func TestVCRModeAutoFallsThroughOnMiss(t *testing.T) {
	v := New(Config{Mode: ModeAuto, MatchMode: MatchExact, CassettesDir: t.TempDir()})
	d, err := v.Decide("openai", fp(t))
	require.NoError(t, err)
	assert.False(t, d.Replay)
	assert.True(t, d.RecordAfterLiveCall)
}

func TestVCRModeAutoReplaysOnHit(t *testing.T) {
	dir := t.TempDir()
	v := New(Config{Mode: ModeAuto, MatchMode: MatchExact, CassettesDir: dir})
	fingerprint, _ := Fingerprint(fp(t), MatchExact)
	require.NoError(t, v.Record("openai", fingerprint, "gpt-4o", json.RawMessage(`{}`), json.RawMessage(`{"ok":1}`), 200))

	d, err := v.Decide("openai", fp(t))
	require.NoError(t, err)
	assert.True(t, d.Replay)
	require.NotNil(t, d.Cassette)
}

func TestVCRStrictModeForbidsRecording(t *testing.T) {
	v := New(Config{Mode: ModeStrict, MatchMode: MatchExact, CassettesDir: t.TempDir()})
	err := v.Record("openai", "fp", "gpt-4o", nil, nil, 200)
	assert.ErrorIs(t, err, ErrStrictRecordForbidden)
}

func TestVCRStrictModeMissIsDistinctFromReplayMiss(t *testing.T) {
	v := New(Config{Mode: ModeStrict, MatchMode: MatchExact, CassettesDir: t.TempDir()})
	_, err := v.Decide("openai", fp(t))
	assert.ErrorIs(t, err, ErrStrictMiss)
	assert.False(t, errors.Is(err, ErrVCRMiss))
}

func TestFingerprintExactFuzzyEquivalenceProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		model := rapid.StringMatching(`gpt-4[a-z0-9]{0,5}`).Draw(t, "model")
		temp1 := rapid.Float64Range(0, 2).Draw(t, "temp1")
		temp2 := rapid.Float64Range(0, 2).Draw(t, "temp2")

		base := FingerprintInput{Provider: "openai", Model: model, Messages: "hello"}
		in1, in2 := base, base
		in1.Temperature, in2.Temperature = &temp1, &temp2

		f1, err := Fingerprint(in1, MatchFuzzy)
		require.NoError(t, err)
		f2, err := Fingerprint(in2, MatchFuzzy)
		require.NoError(t, err)
		assert.Equal(t, f1, f2)
	})
}
