package resilience

import (
	"context"
	"time"
)

// EndpointRouter supplies the backend each protected call should target and
// receives the outcome afterwards. The failover orchestrator implements it;
// the coordinator consults it once per attempt so endpoint tables steer
// traffic and every call result feeds back into them.
type EndpointRouter interface {
	// Route returns the name and URL of the endpoint to use for service.
	Route(service string) (name, url string, err error)
	// ReportOutcome records one call against the routed endpoint.
	ReportOutcome(service, endpoint string, elapsed time.Duration, err error)
}

// RoutedEndpoint is the backend chosen for one attempt. Call functions read
// it from the context to learn which address to dial.
type RoutedEndpoint struct {
	Name string
	URL  string
}

type routedEndpointKey struct{}

// WithRoutedEndpoint stashes the chosen endpoint on the context.
func WithRoutedEndpoint(ctx context.Context, ep RoutedEndpoint) context.Context {
	return context.WithValue(ctx, routedEndpointKey{}, ep)
}

// RoutedEndpointFrom returns the endpoint selected for this attempt, if the
// service has a registered endpoint group.
func RoutedEndpointFrom(ctx context.Context) (RoutedEndpoint, bool) {
	ep, ok := ctx.Value(routedEndpointKey{}).(RoutedEndpoint)
	return ep, ok
}
