package config

import "github.com/google/wire"

// ProviderSet exposes configuration loading to the injector.
var ProviderSet = wire.NewSet(Load)
