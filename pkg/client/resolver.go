package client

import "context"

// Resolver supplies the endpoint for each dial. It is consulted before every
// attempt so a runtime-config provider can move the endpoint between reconnects.
type Resolver interface {
	ResolveURL(ctx context.Context) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context) (string, error)

// ResolveURL implements Resolver.
func (f ResolverFunc) ResolveURL(ctx context.Context) (string, error) { return f(ctx) }

// StaticURL is a Resolver that always returns the same endpoint.
type StaticURL string

// ResolveURL implements Resolver.
func (u StaticURL) ResolveURL(context.Context) (string, error) { return string(u), nil }
