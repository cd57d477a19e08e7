package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Anonymous is the user name given to unauthenticated requests.
const Anonymous = "anonymous"

const maxUsernameLen = 200

var (
	ErrInvalidUsername = errors.New("invalid username")
	ErrUnauthorised    = errors.New("not authorised")
	ErrNoIdentity      = errors.New("no identity in context")
)

type Permission string

const (
	PermissionProjectCreate Permission = "project:create"
	PermissionProjectRead   Permission = "project:read"
	PermissionProjectWrite  Permission = "project:write"
	PermissionProjectStart  Permission = "project:start"
	PermissionProjectAbort  Permission = "project:abort"
	PermissionProjectDelete Permission = "project:delete"
	PermissionActionRun     Permission = "action:run"
	PermissionAdmin         Permission = "admin"
)

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

var RolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermissionProjectCreate,
		PermissionProjectRead,
		PermissionProjectWrite,
		PermissionProjectStart,
		PermissionProjectAbort,
		PermissionProjectDelete,
		PermissionActionRun,
		PermissionAdmin,
	},
	RoleOperator: {
		PermissionProjectCreate,
		PermissionProjectRead,
		PermissionProjectWrite,
		PermissionProjectStart,
		PermissionProjectAbort,
		PermissionProjectDelete,
		PermissionActionRun,
	},
	RoleViewer: {PermissionProjectRead, PermissionActionRun},
}

// Identity is an authenticated caller.
type Identity struct {
	User string
	Role Role
}

// Authenticator yields the identity of a caller. Implementations live with
// the front end; the engine only consumes the result.
type Authenticator interface {
	Authenticate(ctx context.Context) (Identity, error)
}

// Static always returns the same identity.
type Static Identity

func (s Static) Authenticate(context.Context) (Identity, error) {
	user, err := ValidateUsername(s.User)
	if err != nil {
		return Identity{}, err
	}

	return Identity{User: user, Role: s.Role}, nil
}

// ValidateUsername returns the name to use for user. An empty name is
// Anonymous.
func ValidateUsername(user string) (string, error) {
	switch {
	case user == "":
		return Anonymous, nil
	case user == "." || user == "..":
		return "", fmt.Errorf("%w: %q", ErrInvalidUsername, user)
	case strings.Contains(user, "/"):
		return "", fmt.Errorf("%w: %q contains a slash", ErrInvalidUsername, user)
	case len(user) > maxUsernameLen:
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidUsername, maxUsernameLen)
	}

	return user, nil
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func IdentityFromContext(ctx context.Context) (Identity, error) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	if !ok {
		return Identity{}, ErrNoIdentity
	}

	return id, nil
}

func IsAuthorised(role Role, required Permission) error {
	permissions, ok := RolePermissions[role]
	if !ok {
		return fmt.Errorf("%w: unknown role %q", ErrUnauthorised, role)
	}

	if !slices.Contains(permissions, required) {
		return fmt.Errorf("%w: role %q lacks %s", ErrUnauthorised, role, required)
	}

	return nil
}

// Authorise checks that the identity in ctx holds required on a project
// owned by owner. Only admins may act on other users' projects.
func Authorise(ctx context.Context, required Permission, owner string) error {
	id, err := IdentityFromContext(ctx)
	if err != nil {
		return fmt.Errorf("get client identity: %w", err)
	}

	if err := IsAuthorised(id.Role, required); err != nil {
		return fmt.Errorf("authorise client: %w", err)
	}

	if owner != "" && owner != id.User {
		if err := IsAuthorised(id.Role, PermissionAdmin); err != nil {
			return fmt.Errorf("authorise client for %s: %w", owner, err)
		}
	}

	return nil
}
