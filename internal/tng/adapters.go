package tng

import (
	"context"

	"github.com/openanolis/tng/internal/acquisition"
	"github.com/openanolis/tng/internal/attestation"
	"github.com/openanolis/tng/internal/config"
	"github.com/openanolis/tng/internal/ra"
	"github.com/pkg/errors"
)

// buildAdapter constructs the single acquisition adapter named by an
// add_ingress entry. config.Config.Validate already enforced exactly one
// of mapping/netfilter/http_proxy/socks5 is set before Load ever returns
// a *config.Config, so this only needs to dispatch.
func buildAdapter(ctx context.Context, e *config.IngressEntry) (acquisition.Adapter, error) {
	switch {
	case e.Mapping != nil:
		return acquisition.NewMapping(ctx, e.Mapping)
	case e.Netfilter != nil:
		return acquisition.NewNetfilter(ctx, e.Netfilter)
	case e.HTTPProxy != nil:
		return acquisition.NewHTTPProxy(ctx, e.HTTPProxy)
	case e.Socks5 != nil:
		return acquisition.NewSocks5(ctx, e.Socks5)
	default:
		return nil, errors.New("tng: ingress entry names no acquisition adapter")
	}
}

// buildEgressAdapter is buildAdapter's egress counterpart: add_egress
// entries only ever name mapping or netfilter.
func buildEgressAdapter(ctx context.Context, e *config.EgressEntry) (acquisition.Adapter, error) {
	switch {
	case e.Mapping != nil:
		return acquisition.NewMapping(ctx, e.Mapping)
	case e.Netfilter != nil:
		return acquisition.NewNetfilter(ctx, e.Netfilter)
	default:
		return nil, errors.New("tng: egress entry names no acquisition adapter")
	}
}

// newServiceClientFromConfig dials the Attestation Service named by an
// entry's verify block, gRPC or HTTP per as_is_grpc.
func newServiceClientFromConfig(ctx context.Context, cfg ra.VerifyConfig) (*attestation.ServiceClient, error) {
	return attestation.NewServiceClient(ctx, cfg)
}
