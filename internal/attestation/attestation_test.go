package attestation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_dialTarget(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"unix:///tmp/attestation.sock", "unix:///tmp/attestation.sock"},
		{"tcp://127.0.0.1:50051", "127.0.0.1:50051"},
		{"127.0.0.1", "127.0.0.1:443"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, dialTarget(tc.in))
	}
}

func Test_jsonCodec_roundtrip(t *testing.T) {
	c := jsonCodec{}
	in := VerifyRequest{Evidence: []byte("ev"), PolicyIDs: []string{"default"}}
	data, err := c.Marshal(&in)
	assert.NoError(t, err)

	var out VerifyRequest
	err = c.Unmarshal(data, &out)
	assert.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, jsonCodecName, c.Name())
}
