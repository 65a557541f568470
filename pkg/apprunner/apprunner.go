// Package apprunner provides the public API for embedding the app runner.
// This is the stable API for external consumers.
package apprunner

import (
	"github.com/tjfontaine/polyglot-app-runner/internal/runtime"
)

// Service runs generation requests for the configured apps.
// See internal/runtime.Service for full documentation.
type Service = runtime.Service

// Option is a functional option for configuring a Service.
type Option = runtime.Option

// ConfigSource loads configuration and reports changes.
type ConfigSource = runtime.ConfigSource

// New creates a new Service with the given options.
// Example:
//
//	svc, err := apprunner.New(
//	    apprunner.WithFileConfig("config.yaml"),
//	    apprunner.WithSafeWebhooks(),
//	)
var New = runtime.New

// Configuration options
var (
	// Config sources
	WithFileConfig   = runtime.WithFileConfig
	WithConfigSource = runtime.WithConfigSource

	// Stores
	WithDatabase     = runtime.WithDatabase
	WithRedisClient  = runtime.WithRedisClient
	WithVectorSearch = runtime.WithVectorSearch

	// Outbound calls
	WithHTTPClient   = runtime.WithHTTPClient
	WithSafeWebhooks = runtime.WithSafeWebhooks
	WithBackend      = runtime.WithBackend

	// Advanced options
	WithLogger        = runtime.WithLogger
	WithHooks         = runtime.WithHooks
	WithoutHTTPServer = runtime.WithoutHTTPServer
)
