package forum

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// UserLookup resolves a session identity to a live account.
type UserLookup interface {
	GetActiveUser(ctx context.Context, id string) (*User, error)
}

// TeamLookup resolves the team of a user.
type TeamLookup interface {
	GetTeamForUser(ctx context.Context, userID string) (*Team, error)
}

// Binder fills in the payload of a request, typically from its body.
type Binder[In any] func(in *In) error

type (
	Action[In, Out any]     func(ctx context.Context, in In) (Out, error)
	UserAction[In, Out any] func(ctx context.Context, in In, user *User) (Out, error)
	TeamAction[In, Out any] func(ctx context.Context, in In, user *User, team *Team) (Out, error)

	// Guarded is an action behind the gate.
	Guarded[In, Out any] func(ctx context.Context, bind Binder[In]) (Out, error)
)

// Value binds a payload that is already decoded.
func Value[In any](v In) Binder[In] {
	return func(in *In) error {
		*in = v
		return nil
	}
}

// Gate guards mutating entry points: it resolves the caller, validates the
// payload and only then runs the action.
type Gate struct {
	users    UserLookup
	teams    TeamLookup
	validate *validator.Validate
}

func NewGate(users UserLookup, teams TeamLookup) *Gate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return &Gate{users: users, teams: teams, validate: v}
}

// Check validates in and reports the first violated rule.
func (g *Gate) Check(in any) error {
	err := g.validate.Struct(in)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		return validationError(describeFieldError(fieldErrs[0]))
	}
	return validationError("invalid request")
}

func describeFieldError(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "notblank":
		return field + " must not be empty"
	case "email":
		return field + " must be a valid email address"
	case "uuid", "uuid4":
		return field + " must be a valid id"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	case "len":
		return fmt.Sprintf("%s must be exactly %s characters", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "eqfield":
		return fmt.Sprintf("%s must match %s", field, lowerFirst(fe.Param()))
	case "nefield":
		return fmt.Sprintf("%s must differ from %s", field, lowerFirst(fe.Param()))
	}
	return field + " is invalid"
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// currentUser returns the live account behind the request identity.
func (g *Gate) currentUser(ctx context.Context) (*User, error) {
	id := IdentityFrom(ctx)
	if !id.Authenticated() {
		return nil, ErrUnauthenticated
	}
	u, err := g.users.GetActiveUser(ctx, id.UserID)
	if err != nil {
		if KindOf(err) == KindInvalidArgument {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	if u == nil {
		return nil, ErrUnauthenticated
	}
	return u, nil
}

// bind decodes and validates a payload.
func (g *Gate) bind(in any, bind func() error) error {
	if err := bind(); err != nil {
		if KindOf(err) != KindInternal {
			return err
		}
		return validationError("request body is malformed")
	}
	return g.Check(in)
}

func Validated[In, Out any](g *Gate, fn Action[In, Out]) Guarded[In, Out] {
	return func(ctx context.Context, bind Binder[In]) (Out, error) {
		var in In
		if err := g.bind(&in, func() error { return bind(&in) }); err != nil {
			var zero Out
			return zero, err
		}
		return fn(ctx, in)
	}
}

// ValidatedWithUser authenticates the caller before looking at the payload.
func ValidatedWithUser[In, Out any](g *Gate, fn UserAction[In, Out]) Guarded[In, Out] {
	return func(ctx context.Context, bind Binder[In]) (Out, error) {
		var zero Out
		user, err := g.currentUser(ctx)
		if err != nil {
			return zero, err
		}
		var in In
		if err := g.bind(&in, func() error { return bind(&in) }); err != nil {
			return zero, err
		}
		return fn(ctx, in, user)
	}
}

// WithTeam additionally requires the caller to belong to a team.
func WithTeam[In, Out any](g *Gate, fn TeamAction[In, Out]) Guarded[In, Out] {
	return ValidatedWithUser(g, func(ctx context.Context, in In, user *User) (Out, error) {
		var zero Out
		team, err := g.teams.GetTeamForUser(ctx, user.ID)
		if err != nil {
			return zero, err
		}
		if team == nil {
			return zero, ErrNotTeamMember
		}
		return fn(ctx, in, user, team)
	})
}

// WithIdentity attaches the verified session identity to ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom returns the identity on ctx, anonymous if none.
func IdentityFrom(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey).(Identity)
	return id
}
