package registry

import (
	"fmt"
	"slices"
	"strings"

	"github.com/jmcleod/ironsign/provider"
	"github.com/jmcleod/ironsign/provider/clientcreds"
	"github.com/jmcleod/ironsign/provider/csc"
	"github.com/jmcleod/ironsign/provider/hybrid"
	"github.com/jmcleod/ironsign/provider/passwordgrant"
	"github.com/jmcleod/ironsign/provider/sessionid"
)

// Factory builds an adapter from its configuration.
type Factory func(cfg provider.Config, opts ...provider.Option) provider.Provider

var factories = map[string]Factory{
	provider.ProtocolCSC: func(cfg provider.Config, opts ...provider.Option) provider.Provider {
		return csc.New(cfg, opts...)
	},
	provider.ProtocolPasswordGrant: func(cfg provider.Config, opts ...provider.Option) provider.Provider {
		return passwordgrant.New(cfg, opts...)
	},
	provider.ProtocolSessionID: func(cfg provider.Config, opts ...provider.Option) provider.Provider {
		return sessionid.New(cfg, opts...)
	},
	provider.ProtocolClientCredentials: func(cfg provider.Config, opts ...provider.Option) provider.Provider {
		return clientcreds.New(cfg, opts...)
	},
	provider.ProtocolHybrid: func(cfg provider.Config, opts ...provider.Option) provider.Provider {
		return hybrid.New(cfg, opts...)
	},
}

// Protocols returns the protocol names NewAdapter understands, sorted.
func Protocols() []string {
	out := make([]string, 0, len(factories))
	for p := range factories {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// KnownProtocol reports whether protocol has an adapter.
func KnownProtocol(protocol string) bool {
	_, ok := factories[strings.ToLower(strings.TrimSpace(protocol))]
	return ok
}

// NewAdapter builds the adapter for cfg.Protocol. The provider id is
// upper-cased before the adapter sees it.
func NewAdapter(cfg provider.Config, opts ...provider.Option) (provider.Provider, error) {
	cfg.ID = provider.NormalizeID(cfg.ID)
	f, ok := factories[strings.ToLower(strings.TrimSpace(cfg.Protocol))]
	if !ok {
		return nil, fmt.Errorf("provider %s: unknown protocol %q (known: %s)", cfg.ID, cfg.Protocol, strings.Join(Protocols(), ", "))
	}
	return f(cfg, opts...), nil
}
