package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pushchain/push-tss-manager/manager/store"
)

// CeremonyReader is the read side of the ceremony event store.
type CeremonyReader interface {
	ListByStatus(status string, limit int) ([]store.Ceremony, error)
	ListByRoom(roomID string) ([]store.Ceremony, error)
}

// KeyLister lists the keys stored for an owner.
type KeyLister interface {
	List(ownerID string) ([]string, error)
}

// RouteRegistrar mounts additional routes, such as the relay endpoint.
type RouteRegistrar interface {
	Register(r *mux.Router)
}

// Options carries the server's collaborators. Nil fields disable the
// routes that need them.
type Options struct {
	// Health, when set, must succeed for /health to report OK.
	Health     func(ctx context.Context) error
	Ceremonies CeremonyReader
	Keys       KeyLister
	Metrics    http.Handler
	Extra      []RouteRegistrar
}
