package branching

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/gridplane/gridplane/pkg/apperror"
)

// Request affordances for selecting the active branch. The header wins,
// then the query parameter, then the cookie.
const (
	BranchHeader = "X-Gridplane-Branch"
	BranchQuery  = "_branch"
	BranchCookie = "active_branch"

	// UserHeader carries the acting user's name for attribution.
	UserHeader = "X-Gridplane-User"
)

type contextKey int

const (
	activeBranchKey contextKey = iota
	currentUserKey
)

// WithActiveBranch returns a context in which the given branch is active.
// Code that reads or writes branch-aware data under this context targets
// the branch's schema instead of main.
func WithActiveBranch(ctx context.Context, branch *Branch) context.Context {
	return context.WithValue(ctx, activeBranchKey, branch)
}

// WithoutActiveBranch returns a context with no active branch, restoring
// main as the target regardless of what the parent context activated.
func WithoutActiveBranch(ctx context.Context) context.Context {
	return context.WithValue(ctx, activeBranchKey, (*Branch)(nil))
}

// ActiveBranch returns the branch active in this context, or nil when
// operating on main.
func ActiveBranch(ctx context.Context) *Branch {
	branch, _ := ctx.Value(activeBranchKey).(*Branch)
	return branch
}

// WithCurrentUser returns a context carrying the acting user's name.
func WithCurrentUser(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, currentUserKey, name)
}

// CurrentUser returns the acting user's name, or nil when anonymous.
func CurrentUser(ctx context.Context) *string {
	if name, ok := ctx.Value(currentUserKey).(string); ok && name != "" {
		return &name
	}
	return nil
}

// TargetSchema resolves the schema queries should run against under this
// context: the active branch's schema, or the main schema.
func TargetSchema(ctx context.Context, schemaPrefix, mainSchema string) string {
	if branch := ActiveBranch(ctx); branch != nil {
		return branch.SchemaName(schemaPrefix)
	}
	return mainSchema
}

// Middleware resolves the active branch for incoming requests from the
// branch header, query parameter, or cookie (in that order), and stashes
// it plus the acting user in the request context. Requests naming an
// unknown branch fail with 404; a branch that is not ready cannot be
// activated.
func Middleware(store *Store, schemaPrefix string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()

			if user := c.Request().Header.Get(UserHeader); user != "" {
				ctx = WithCurrentUser(ctx, user)
			}

			schemaID := requestedSchemaID(c)
			if schemaID != "" {
				branch, err := store.GetBySchemaID(ctx, schemaID)
				if err != nil {
					return err
				}
				if branch == nil {
					return apperror.NewNotFound("branch", schemaID)
				}
				if branch.Status != StatusReady {
					return apperror.ErrBranchNotReady.WithMessage(
						"branch " + branch.Name + " is " + string(branch.Status) + " and cannot be activated")
				}
				ctx = WithActiveBranch(ctx, branch)
				c.Response().Header().Set(BranchHeader, branch.SchemaID)
			}

			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func requestedSchemaID(c echo.Context) string {
	if v := c.Request().Header.Get(BranchHeader); v != "" {
		return v
	}
	if v := c.QueryParam(BranchQuery); v != "" {
		return v
	}
	if cookie, err := c.Cookie(BranchCookie); err == nil && cookie != nil {
		return cookie.Value
	}
	return ""
}

// SetBranchCookie makes the branch sticky for subsequent requests from
// the same client. Clearing passes an empty schema id.
func SetBranchCookie(c echo.Context, schemaID string) {
	cookie := &http.Cookie{
		Name:     BranchCookie,
		Value:    schemaID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if schemaID == "" {
		cookie.MaxAge = -1
	}
	c.SetCookie(cookie)
}
