package proxy

import (
	"github.com/koltyakov/edgeproxy/internal/domain"
)

// State is a stage in the life of one proxied request.
type State int

const (
	StateAccepted State = iota
	StateHostResolved
	StateRouteResolved
	StateStaticServe
	StateRedirected
	StateProxying
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateHostResolved:
		return "host_resolved"
	case StateRouteResolved:
		return "route_resolved"
	case StateStaticServe:
		return "static_serve"
	case StateRedirected:
		return "redirected"
	case StateProxying:
		return "proxying"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// next reports whether the transition s -> to is allowed. Failed is
// reachable from every non-terminal state.
func (s State) next(to State) bool {
	if s == StateCompleted || s == StateFailed {
		return false
	}
	if to == StateFailed {
		return true
	}
	switch s {
	case StateAccepted:
		return to == StateHostResolved
	case StateHostResolved:
		return to == StateRouteResolved
	case StateRouteResolved:
		return to == StateStaticServe || to == StateRedirected || to == StateProxying
	case StateStaticServe, StateRedirected, StateProxying:
		return to == StateCompleted
	}
	return false
}

// routingStatus maps the terminal position of a request to the value stored
// on its log entry.
func routingStatus(last, branch State, failure string) string {
	if last == StateFailed && failure != "" {
		return failure
	}
	switch branch {
	case StateStaticServe:
		return domain.RoutingStatusStatic
	case StateRedirected:
		return domain.RoutingStatusRedirected
	case StateProxying:
		if last == StateFailed {
			return domain.RoutingStatusError
		}
		return domain.RoutingStatusRouted
	}
	return domain.RoutingStatusError
}
