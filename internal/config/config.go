// Package config defines the JSON configuration document consumed by
// cmd/tng, and validates it the way the rest of this codebase validates
// structured configuration: explicit Go functions, not a JSON-schema
// library (schema validation itself is out of scope for this gateway).
package config

import (
	"encoding/json"
	"io"
	"os"
	"regexp"

	"github.com/openanolis/tng/internal/ra"
	"github.com/pkg/errors"
)

// Config is the top-level document loaded once at startup.
type Config struct {
	AddIngress       []IngressEntry `json:"add_ingress,omitempty"`
	AddEgress        []EgressEntry  `json:"add_egress,omitempty"`
	ControlInterface *ControlConfig `json:"control_interface,omitempty"`
	Metric           *ExporterList  `json:"metric,omitempty"`
	Trace            *ExporterList  `json:"trace,omitempty"`
}

// ExporterList is an opaque list of telemetry exporter configurations;
// internal/metrics only checks each entry's name and wires no exporter,
// so this stays a raw passthrough of whatever the document contains.
type ExporterList []json.RawMessage

// ControlConfig exposes /livez and /readyz.
type ControlConfig struct {
	Restful *RestfulConfig `json:"restful,omitempty"`
}

// RestfulConfig is a host/port pair for the control interface listener.
type RestfulConfig struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

// IngressEntry is one add_ingress array element: exactly one capture mode
// plus the common RA/encapsulation block.
type IngressEntry struct {
	Mapping     *MappingConfig   `json:"mapping,omitempty"`
	Netfilter   *NetfilterConfig `json:"netfilter,omitempty"`
	HTTPProxy   *HTTPProxyConfig `json:"http_proxy,omitempty"`
	Socks5      *Socks5Config    `json:"socks5,omitempty"`
	NoRA        bool             `json:"no_ra,omitempty"`
	Attest      *ra.AttestConfig `json:"attest,omitempty"`
	Verify      *ra.VerifyConfig `json:"verify,omitempty"`
	EncapInHTTP *EncapConfig     `json:"encap_in_http,omitempty"`
}

// EgressEntry is one add_egress array element.
type EgressEntry struct {
	Mapping       *MappingConfig   `json:"mapping,omitempty"`
	Netfilter     *NetfilterConfig `json:"netfilter,omitempty"`
	NoRA          bool             `json:"no_ra,omitempty"`
	Attest        *ra.AttestConfig `json:"attest,omitempty"`
	Verify        *ra.VerifyConfig `json:"verify,omitempty"`
	DecapFromHTTP *DecapConfig     `json:"decap_from_http,omitempty"`
	DirectForward []DirectForward  `json:"direct_forward,omitempty"`
}

// MappingConfig listens on In and forwards to Out.
type MappingConfig struct {
	In  string `json:"in"`
	Out string `json:"out"`
}

// DefaultSoMark is the SO_MARK value stamped on the gateway's own
// upstream sockets when a netfilter entry does not set so_mark.
const DefaultSoMark = 565

// NetfilterConfig describes a netfilter-based acquisition adapter.
// ListenPort zero means an ephemeral port is chosen at bind time.
type NetfilterConfig struct {
	CaptureDst          CaptureDst `json:"capture_dst"`
	CaptureLocalTraffic bool       `json:"capture_local_traffic,omitempty"`
	ListenPort          uint16     `json:"listen_port,omitempty"`
	SoMark              int        `json:"so_mark,omitempty"`
}

// EffectiveSoMark resolves the configured so_mark, defaulting to
// DefaultSoMark when unset.
func (n *NetfilterConfig) EffectiveSoMark() int {
	if n.SoMark != 0 {
		return n.SoMark
	}
	return DefaultSoMark
}

// CaptureDst is the iptables match for redirected traffic.
type CaptureDst struct {
	Host string `json:"host,omitempty"`
	Port uint16 `json:"port,omitempty"`
}

// HTTPProxyConfig describes an HTTP CONNECT proxy acquisition adapter.
type HTTPProxyConfig struct {
	ProxyListen string           `json:"proxy_listen"`
	DstFilters  []EndpointFilter `json:"dst_filters,omitempty"`
}

// Socks5Config describes a SOCKS5 acquisition adapter.
type Socks5Config struct {
	Listen string `json:"listen"`
}

// EndpointFilter matches an endpoint if DomainRegex matches the host (empty
// matches all) AND Port equals port (zero matches any). The filter list
// composes by OR; an empty list matches all.
type EndpointFilter struct {
	DomainRegex string `json:"domain_regex,omitempty"`
	Port        uint16 `json:"port,omitempty"`

	compiled *regexp.Regexp
}

// EncapConfig is the ingress HTTP-encapsulation block.
type EncapConfig struct {
	PathRewrites []PathRewrite `json:"path_rewrites,omitempty"`
}

// PathRewrite is one ordered (match_regex -> substitution) pair; first
// match wins.
type PathRewrite struct {
	MatchRegex   string `json:"match_regex"`
	Substitution string `json:"substitution"`

	compiled *regexp.Regexp
}

// DecapConfig is the egress HTTP-decapsulation block.
type DecapConfig struct {
	AllowNonTngTrafficRegexes []string `json:"allow_non_tng_traffic_regexes,omitempty"`

	compiled []*regexp.Regexp
}

// DirectForward is an egress bypass rule: a matching HTTP path reaches the
// upstream without entering the security layer.
type DirectForward struct {
	PathRegex string `json:"path_regex"`

	compiled *regexp.Regexp
}

// Load reads and parses the JSON document at path, rejecting unknown
// fields the same way the document's shape is enforced elsewhere in this
// codebase: a hand-written Go validator, not a JSON-schema library.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a Config from r and validates it.
func Parse(r io.Reader) (*Config, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.WithMessage(err, "config: invalid document")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.compile(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the configuration invariants: exactly one capture
// mode per ingress entry, the no_ra/attest/verify exclusivity per
// ra.Config, and non-empty required sub-fields.
func (c *Config) Validate() error {
	for i, e := range c.AddIngress {
		if err := e.validate(); err != nil {
			return errors.WithMessagef(err, "add_ingress[%d]", i)
		}
	}
	for i, e := range c.AddEgress {
		if err := e.validate(); err != nil {
			return errors.WithMessagef(err, "add_egress[%d]", i)
		}
	}
	return nil
}

func (e IngressEntry) validate() error {
	n := 0
	if e.Mapping != nil {
		n++
	}
	if e.Netfilter != nil {
		n++
	}
	if e.HTTPProxy != nil {
		n++
	}
	if e.Socks5 != nil {
		n++
	}
	if n != 1 {
		return errors.Errorf("exactly one of mapping, netfilter, http_proxy, socks5 is required, got %d", n)
	}
	return e.raConfig().Validate()
}

func (e IngressEntry) raConfig() ra.Config {
	return ra.Config{NoRa: e.NoRA, Attest: e.Attest, Verify: e.Verify}
}

func (e EgressEntry) validate() error {
	n := 0
	if e.Mapping != nil {
		n++
	}
	if e.Netfilter != nil {
		n++
	}
	if n != 1 {
		return errors.Errorf("exactly one of mapping, netfilter is required, got %d", n)
	}
	return e.raConfig().Validate()
}

func (e EgressEntry) raConfig() ra.Config {
	return ra.Config{NoRa: e.NoRA, Attest: e.Attest, Verify: e.Verify}
}

// compile pre-compiles every regexp in the document exactly once, at load
// time, so the hot path (decode/encode) never calls regexp.Compile.
func (c *Config) compile() error {
	for i := range c.AddIngress {
		e := &c.AddIngress[i]
		if e.HTTPProxy != nil {
			for j := range e.HTTPProxy.DstFilters {
				if err := e.HTTPProxy.DstFilters[j].compile(); err != nil {
					return err
				}
			}
		}
		if e.EncapInHTTP != nil {
			for j := range e.EncapInHTTP.PathRewrites {
				if err := e.EncapInHTTP.PathRewrites[j].compile(); err != nil {
					return err
				}
			}
		}
	}
	for i := range c.AddEgress {
		e := &c.AddEgress[i]
		if e.DecapFromHTTP != nil {
			if err := e.DecapFromHTTP.compile(); err != nil {
				return err
			}
		}
		for j := range e.DirectForward {
			if err := e.DirectForward[j].compile(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *EndpointFilter) compile() error {
	if f.DomainRegex == "" {
		return nil
	}
	re, err := regexp.Compile(f.DomainRegex)
	if err != nil {
		return errors.WithMessagef(err, "invalid domain_regex %q", f.DomainRegex)
	}
	f.compiled = re
	return nil
}

// Match reports whether host:port satisfies the filter.
func (f *EndpointFilter) Match(host string, port uint16) bool {
	if f.compiled != nil && !f.compiled.MatchString(host) {
		return false
	}
	if f.Port != 0 && f.Port != port {
		return false
	}
	return true
}

func (p *PathRewrite) compile() error {
	re, err := regexp.Compile(p.MatchRegex)
	if err != nil {
		return errors.WithMessagef(err, "invalid match_regex %q", p.MatchRegex)
	}
	p.compiled = re
	return nil
}

// Rewrite applies the substitution if path matches, else returns path
// unchanged and matched=false.
func (p *PathRewrite) Rewrite(path string) (rewritten string, matched bool) {
	if !p.compiled.MatchString(path) {
		return path, false
	}
	return p.compiled.ReplaceAllString(path, p.Substitution), true
}

func (d *DecapConfig) compile() error {
	d.compiled = make([]*regexp.Regexp, len(d.AllowNonTngTrafficRegexes))
	for i, pat := range d.AllowNonTngTrafficRegexes {
		re, err := regexp.Compile(pat)
		if err != nil {
			return errors.WithMessagef(err, "invalid allow_non_tng_traffic_regexes[%d] %q", i, pat)
		}
		d.compiled[i] = re
	}
	return nil
}

// AllowsPlaintext reports whether path matches one of the allow-list
// regexes and may therefore bypass the security layer.
func (d *DecapConfig) AllowsPlaintext(path string) bool {
	for _, re := range d.compiled {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

func (d *DirectForward) compile() error {
	re, err := regexp.Compile(d.PathRegex)
	if err != nil {
		return errors.WithMessagef(err, "invalid direct_forward path_regex %q", d.PathRegex)
	}
	d.compiled = re
	return nil
}

// Match reports whether path satisfies this direct-forward rule.
func (d *DirectForward) Match(path string) bool {
	return d.compiled.MatchString(path)
}
