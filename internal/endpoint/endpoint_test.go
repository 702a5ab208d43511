package endpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	ep, err := Parse("example.com:443")
	require.NoError(t, err)
	assert.Equal(t, Endpoint{Host: "example.com", Port: 443}, ep)

	ep, err = Parse("127.0.0.1:30001")
	require.NoError(t, err)
	assert.Equal(t, New("127.0.0.1", 30001), ep)

	_, err = Parse("not-a-hostport")
	assert.Error(t, err)

	_, err = Parse("example.com:notaport")
	assert.Error(t, err)
}

func TestString(t *testing.T) {
	assert.Equal(t, "example.com:443", New("example.com", 443).String())
	assert.Equal(t, "127.0.0.1:8080", New("127.0.0.1", 8080).String())
}

func TestIsZero(t *testing.T) {
	assert.True(t, Endpoint{}.IsZero())
	assert.False(t, New("x", 1).IsZero())
}

func TestEquality(t *testing.T) {
	a := New("host", 1)
	b := New("host", 1)
	c := New("host", 2)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	m := map[Endpoint]int{a: 1}
	m[b] = 2
	assert.Len(t, m, 1)
	assert.Equal(t, 2, m[a])
}
