//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"github.com/google/wire"

	"github.com/zeusync/serialstate/internal/config"
)

func InitializeToolkit(cfg *config.Config) (*Toolkit, func(), error) {
	wire.Build(CoreSet, wire.Struct(new(Toolkit), "*"))
	return nil, nil, nil
}

func InitializeSnapshots(cfg *config.Config) (*Snapshots, func(), error) {
	wire.Build(CoreSet, StoreSet, wire.Struct(new(Snapshots), "*"))
	return nil, nil, nil
}
