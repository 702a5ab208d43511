package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `{
  "add_ingress": [
    {
      "mapping": {"in": "0.0.0.0:10001", "out": "127.0.0.1:20001"},
      "no_ra": true
    }
  ],
  "add_egress": [
    {
      "mapping": {"in": "127.0.0.1:20001", "out": "127.0.0.1:30001"},
      "no_ra": true,
      "direct_forward": [{"path_regex": "^/public/.*"}]
    }
  ],
  "control_interface": {"restful": {"host": "127.0.0.1", "port": 9000}}
}`

func Test_Parse_valid(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sampleDoc))
	require.NoError(t, err)
	require.Len(t, cfg.AddIngress, 1)
	require.Len(t, cfg.AddEgress, 1)
	assert.Equal(t, "0.0.0.0:10001", cfg.AddIngress[0].Mapping.In)
	assert.True(t, cfg.AddEgress[0].DirectForward[0].Match("/public/resource"))
	assert.False(t, cfg.AddEgress[0].DirectForward[0].Match("/private"))
}

func Test_Parse_rejectsUnknownFields(t *testing.T) {
	_, err := Parse(strings.NewReader(`{"bogus_field": true}`))
	assert.Error(t, err)
}

func Test_IngressEntry_requiresExactlyOneCaptureMode(t *testing.T) {
	doc := `{"add_ingress": [{"no_ra": true}]}`
	_, err := Parse(strings.NewReader(doc))
	assert.Error(t, err)

	doc2 := `{"add_ingress": [{
		"mapping": {"in": "a:1", "out": "b:2"},
		"socks5": {"listen": "c:3"},
		"no_ra": true
	}]}`
	_, err = Parse(strings.NewReader(doc2))
	assert.Error(t, err)
}

func Test_RaConfig_invariant(t *testing.T) {
	doc := `{"add_ingress": [{
		"mapping": {"in": "a:1", "out": "b:2"},
		"no_ra": true,
		"attest": {"aa_addr": "unix:///tmp/a.sock"}
	}]}`
	_, err := Parse(strings.NewReader(doc))
	assert.Error(t, err)
}

func Test_PathRewrite(t *testing.T) {
	pr := PathRewrite{MatchRegex: `^/foo/([^/]+)([/]?.*)$`, Substitution: `/foo/$1`}
	require.NoError(t, pr.compile())
	out, matched := pr.Rewrite("/foo/bar/www?type=1")
	assert.True(t, matched)
	assert.Equal(t, "/foo/bar", out)

	_, matched = pr.Rewrite("/other")
	assert.False(t, matched)
}

func Test_EndpointFilter(t *testing.T) {
	f := EndpointFilter{DomainRegex: "^example\\.com$", Port: 7711}
	require.NoError(t, f.compile())
	assert.True(t, f.Match("example.com", 7711))
	assert.False(t, f.Match("example.com", 80))
	assert.False(t, f.Match("other.com", 7711))

	any := EndpointFilter{}
	require.NoError(t, any.compile())
	assert.True(t, any.Match("anything", 1))
}
