package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/quarryhq/quarry/auth"
	"github.com/quarryhq/quarry/common"
	"github.com/quarryhq/quarry/store"
)

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

func (h *handlers) register(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	// Accounts created without an explicit username take the email local
	// part, matching what login forms send.
	if req.Username == "" {
		req.Username = strings.SplitN(req.Email, "@", 2)[0]
	}
	if err := auth.ValidateUsername(req.Username); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := auth.ValidateEmail(req.Email); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := auth.CheckPasswordStrength(req.Password, false); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	hashed, err := auth.HashPassword(req.Password)
	if err != nil {
		return err
	}

	user := &store.User{
		Username:       req.Username,
		Email:          req.Email,
		HashedPassword: hashed,
	}
	if err := h.deps.Store.CreateUser(c.Request().Context(), user); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, user)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// accessToken exchanges form credentials for a bearer token. The form field
// is named username but carries either username or email.
func (h *handlers) accessToken(c echo.Context) error {
	username := c.FormValue("username")
	password := c.FormValue("password")
	if username == "" || password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "username and password are required")
	}

	ctx := c.Request().Context()
	user, err := h.deps.Store.UserByEmail(ctx, username)
	if err != nil {
		user, err = h.deps.Store.UserByUsername(ctx, username)
	}
	if err != nil {
		// Uniform message; existence of accounts is not probeable.
		return common.E(common.KindAuthInvalid, "incorrect username or password")
	}
	if !user.IsActive {
		return common.E(common.KindAuthForbidden, "account is deactivated")
	}
	if err := auth.ValidatePassword(password, user.HashedPassword); err != nil {
		return common.E(common.KindAuthInvalid, "incorrect username or password")
	}

	token, err := h.deps.Tokens.GenerateToken(user.ID, user.Username)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer"})
}

// testToken echoes the authenticated account, proving the token works.
func (h *handlers) testToken(c echo.Context) error {
	return c.JSON(http.StatusOK, h.currentUser(c))
}
