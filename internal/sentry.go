package internal

import (
	"context"

	"github.com/getsentry/sentry-go"
)

// GetSentryHubFromContextOrDefault is a version of sentry.GetHubFromContext which
// automatically falls back to sentry.CurrentHub if the given context has not been
// attached a hub.
//
// The returned pointer is always nonnil.
func GetSentryHubFromContextOrDefault(ctx context.Context) *sentry.Hub {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return hub
}

// SentryContext returns a copy of ctx carrying a cloned hub, so that tags set for one relay
// connection don't leak into another.
func SentryContext(ctx context.Context, endpointID string) context.Context {
	hub := GetSentryHubFromContextOrDefault(ctx).Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("endpoint", endpointID)
	})
	return sentry.SetHubOnContext(ctx, hub)
}

// SetSentryIdentifier tags all future events on this context's hub with the bound identifier.
func SetSentryIdentifier(ctx context.Context, identifier string) {
	GetSentryHubFromContextOrDefault(ctx).ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("identifier", identifier)
	})
}
