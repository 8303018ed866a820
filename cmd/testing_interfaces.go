package main

import (
	"context"

	"github.com/l0p7/escrowcache/internal/config"
)

// configLoader is the seam run uses to load and watch configuration; tests
// replace newConfigLoader to inject failures.
type configLoader interface {
	Load(context.Context) (config.Config, error)
	Watch(context.Context, func(config.Config), func(error)) (configWatcher, error)
}

type configWatcher interface {
	Stop()
}

// runnableServer is the seam over the HTTP lifecycle; tests replace newHTTPServer.
type runnableServer interface {
	Run(context.Context) error
}
