// Package authorization enforces role-based access inside a savings group.
// Roles are global (member, organizer, operator, system); membership in a
// role is scoped per group domain, so an organizer of one group is a plain
// member everywhere else.
package authorization

import (
	"context"
	"errors"

	"go.uber.org/fx"
)

var (
	ErrForbidden     = errors.New("forbidden")
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidGroup  = errors.New("invalid_group")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
)

type Service interface {
	// Authorize checks whether actor may perform action on object inside the
	// group. actor is "member:<id>", "operator:<id>", "device:<id>" or
	// "system". Denials return ErrForbidden and leave an audit row.
	Authorize(ctx context.Context, actor string, groupID string, object string, action string) error
}

var Module = fx.Module("authorization.service",
	fx.Provide(NewEnforcer),
	fx.Provide(NewService),
)
