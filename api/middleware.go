package api

import (
	"strconv"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/quarryhq/quarry/auth"
	"github.com/quarryhq/quarry/common"
	"github.com/quarryhq/quarry/store"
)

// handlers carries the wired dependencies into the route handlers.
type handlers struct {
	deps Deps
}

const userContextKey = "current_user"

// requireToken validates the bearer token and parses its claims.
func (h *handlers) requireToken() echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey:  h.deps.Tokens.Secret(),
		TokenLookup: "header:Authorization:Bearer ",
		NewClaimsFunc: func(c echo.Context) jwt.Claims {
			return new(auth.Claims)
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return common.E(common.KindAuthInvalid, "invalid or missing token")
		},
	})
}

// loadUser resolves the token subject to an account and stashes it on the
// request. Tokens of deleted or deactivated accounts stop working here.
func (h *handlers) loadUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token, ok := c.Get("user").(*jwt.Token)
		if !ok {
			return common.E(common.KindAuthInvalid, "missing token context")
		}
		claims, ok := token.Claims.(*auth.Claims)
		if !ok {
			return common.E(common.KindAuthInvalid, "unexpected token claims")
		}
		userID, err := claims.UserID()
		if err != nil {
			return common.Wrap(common.KindAuthInvalid, "invalid token subject", err)
		}

		user, err := h.deps.Store.UserByID(c.Request().Context(), userID)
		if err != nil {
			return common.E(common.KindAuthInvalid, "account not found")
		}
		if !user.IsActive {
			return common.E(common.KindAuthForbidden, "account is deactivated")
		}

		c.Set(userContextKey, user)
		h.deps.Log.WithFields(logrus.Fields{
			"request_id": c.Response().Header().Get(echo.HeaderXRequestID),
			"user":       user.ID,
		}).Debug("authenticated request")
		return next(c)
	}
}

// currentUser returns the account loaded by the middleware.
func (h *handlers) currentUser(c echo.Context) *store.User {
	user, _ := c.Get(userContextKey).(*store.User)
	return user
}

// authorize checks the caller's role on a knowledge base against the needed
// capability. Non-members read as forbidden, not as not-found, because
// membership checks run after the base is known to exist.
func (h *handlers) authorize(c echo.Context, kbID uint, need func(store.Role) bool) (*store.User, error) {
	user := h.currentUser(c)
	if user == nil {
		return nil, common.E(common.KindAuthInvalid, "not authenticated")
	}
	if user.IsSuperuser {
		return user, nil
	}

	role, err := h.deps.Store.RoleFor(c.Request().Context(), kbID, user.ID)
	if err != nil {
		return nil, err
	}
	if !need(role) {
		return nil, common.Ef(common.KindAuthForbidden,
			"role %s may not perform this operation", role)
	}
	return user, nil
}

// paramID parses a numeric path parameter.
func paramID(c echo.Context, name string) (uint, error) {
	raw := c.Param(name)
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, common.Ef(common.KindNotFound, "invalid %s %q", name, raw)
	}
	return uint(id), nil
}
