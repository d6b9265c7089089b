// Package sharegate implements the ordered read-authorization rules:
// owner and admin bypass, then EULA and guest-read checks against the
// external permission service, with any permission-client failure treated
// as deny.
package sharegate

import (
	"context"

	"github.com/geoharmony/orchestrator/internal/clients/permission"
	"github.com/geoharmony/orchestrator/internal/logger"
)

// Job is the minimal view of a domain.Job the gate needs; kept narrow so
// this package doesn't import internal/domain for a handful of fields.
type Job struct {
	Owner         string
	CollectionIDs []string
}

type Request struct {
	Job            Job
	RequestingUser string
	IsAdmin        bool
}

type Gate interface {
	CanRead(ctx context.Context, req Request) (bool, error)
}

type gate struct {
	log        *logger.Logger
	permission permission.Client
}

func New(log *logger.Logger, permissionClient permission.Client) Gate {
	return &gate{log: log.With("component", "ShareGate"), permission: permissionClient}
}

// CanRead evaluates the rules in order; first match wins.
func (g *gate) CanRead(ctx context.Context, req Request) (bool, error) {
	if req.IsAdmin {
		return true, nil
	}
	if req.RequestingUser != "" && req.RequestingUser == req.Job.Owner {
		return true, nil
	}
	if len(req.Job.CollectionIDs) == 0 {
		return false, nil
	}

	eula, err := g.permission.HasEULA(ctx, req.Job.CollectionIDs)
	if err != nil {
		g.log.Warn("permission service EULA check failed, denying read", "error", err)
		return false, nil
	}
	for _, id := range req.Job.CollectionIDs {
		requiresEULA, known := eula[id]
		if !known || requiresEULA {
			return false, nil
		}
	}

	guestReadable, err := g.permission.GuestReadable(ctx, req.Job.CollectionIDs)
	if err != nil {
		g.log.Warn("permission service guest-read check failed, denying read", "error", err)
		return false, nil
	}
	for _, id := range req.Job.CollectionIDs {
		if !guestReadable[id] {
			return false, nil
		}
	}

	return true, nil
}
