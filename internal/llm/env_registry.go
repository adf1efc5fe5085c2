package llm

import "sync"

// EnvAdapterFactory builds a ProviderAdapter from the process environment.
// ok reports whether the adapter's required environment variables were
// present; when ok is false, err is always nil and the adapter is skipped
// rather than treated as a failure. When ok is true and err is non-nil, the
// environment variables were present but the adapter failed to construct.
type EnvAdapterFactory func() (adapter ProviderAdapter, ok bool, err error)

var (
	envFactoriesMu sync.Mutex
	envFactories   []EnvAdapterFactory
)

// RegisterEnvAdapterFactory adds factory to the set NewClientFromEnv
// consults. Provider adapter packages call this from their init(), so
// importing a provider package for its side effects is enough to make it
// available to environment-driven client construction.
func RegisterEnvAdapterFactory(factory EnvAdapterFactory) {
	envFactoriesMu.Lock()
	defer envFactoriesMu.Unlock()
	envFactories = append(envFactories, factory)
}

// NewFromEnv builds a Client by running every registered
// EnvAdapterFactory and registering whichever adapters report their
// required environment variables are present. The first registered
// provider becomes the client's default. Returns an error only if a
// factory whose environment variables are present still fails to
// construct its adapter.
func NewFromEnv() (*Client, error) {
	envFactoriesMu.Lock()
	factories := append([]EnvAdapterFactory{}, envFactories...)
	envFactoriesMu.Unlock()

	c := NewClient()
	for _, factory := range factories {
		adapter, ok, err := factory()
		if !ok {
			continue
		}
		if err != nil {
			return nil, err
		}
		c.Register(adapter)
	}
	return c, nil
}
