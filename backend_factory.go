package purchases

import (
	"github.com/goliatone/go-purchases/backend"
	"github.com/goliatone/go-purchases/core"
)

// DefaultBackendFactory returns a factory that builds one REST client serving
// both the catalog and verification roles. opts apply to every client the
// factory builds, including those created on Reconfigure.
func DefaultBackendFactory(opts ...backend.Option) BackendFactory {
	return func(cfg core.BackendConfig) (core.CatalogClient, core.VerificationClient, error) {
		client, err := backend.NewClient(cfg, opts...)
		if err != nil {
			return nil, nil, err
		}
		return client, client, nil
	}
}
