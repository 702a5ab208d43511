package ra

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"no_ra only", Config{NoRa: true}, false},
		{"attest only", Config{Attest: &AttestConfig{AaAddr: "unix:///tmp/a.sock"}}, false},
		{"verify only", Config{Verify: &VerifyConfig{AsAddr: "http://127.0.0.1:8080/", PolicyIDs: []string{"default"}}}, false},
		{"attest and verify", Config{
			Attest: &AttestConfig{AaAddr: "unix:///tmp/a.sock"},
			Verify: &VerifyConfig{AsAddr: "http://127.0.0.1:8080/", PolicyIDs: []string{"default"}},
		}, false},
		{"zero value invalid", Config{}, true},
		{"no_ra with attest invalid", Config{NoRa: true, Attest: &AttestConfig{AaAddr: "unix:///tmp/a.sock"}}, true},
		{"no_ra with verify invalid", Config{NoRa: true, Verify: &VerifyConfig{AsAddr: "x", PolicyIDs: []string{"d"}}}, true},
		{"verify missing as_addr", Config{Verify: &VerifyConfig{PolicyIDs: []string{"d"}}}, true},
		{"verify missing policy_ids", Config{Verify: &VerifyConfig{AsAddr: "x"}}, true},
		{"attest missing aa_addr", Config{Attest: &AttestConfig{}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_Predicates(t *testing.T) {
	mutual := Config{
		Attest: &AttestConfig{AaAddr: "unix:///tmp/a.sock"},
		Verify: &VerifyConfig{AsAddr: "x", PolicyIDs: []string{"d"}},
	}
	assert.True(t, mutual.IsAttester())
	assert.True(t, mutual.IsVerifier())
	assert.True(t, mutual.Mutual())

	noRA := Config{NoRa: true}
	assert.False(t, noRA.IsAttester())
	assert.False(t, noRA.IsVerifier())
	assert.False(t, noRA.Mutual())
}

func TestResult(t *testing.T) {
	var zero Result
	assert.True(t, zero.IsZero())
	assert.False(t, zero.Passed())
	assert.Equal(t, "none", zero.String())

	passed := Result{Verdict: VerdictPassed, Token: "abcdefghij"}
	assert.False(t, passed.IsZero())
	assert.True(t, passed.Passed())
	assert.Equal(t, "passed:abcdefgh…", passed.String())

	failed := Result{Verdict: VerdictFailed, Token: "short"}
	assert.False(t, failed.Passed())
	assert.Equal(t, "failed:short", failed.String())
}

func TestResult_Raw(t *testing.T) {
	assert.Nil(t, Result{}.Raw())

	withClaims := Result{Verdict: VerdictPassed, Claims: []byte(`{"tee":"sgx","mrenclave":"abc"}`)}
	raw := withClaims.Raw()
	require.NotNil(t, raw)
	assert.Equal(t, "sgx", raw["tee"])
	assert.Equal(t, "abc", raw["mrenclave"])

	assert.Nil(t, Result{Claims: []byte(`not-json`)}.Raw())
}
