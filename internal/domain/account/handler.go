package account

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/emr/internal/domain/session"
	"github.com/ehr/emr/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the credential endpoints under authGroup and the
// administrative endpoints under api. limit guards the unauthenticated
// credential endpoints; gate guards the administrative ones.
func (h *Handler) RegisterRoutes(api, authGroup *echo.Group, gate *auth.Gate, limit echo.MiddlewareFunc) {
	if limit == nil {
		limit = func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	authGroup.POST("/register", h.Register, limit)
	authGroup.POST("/login", h.Login, limit)
	authGroup.POST("/refresh", h.Refresh, limit)
	authGroup.POST("/logout", h.Logout, limit)
	authGroup.GET("/verify-email", h.VerifyEmail, limit)
	authGroup.POST("/verify-email", h.VerifyEmail, limit)
	authGroup.POST("/resend-verification", h.ResendVerification, limit)
	authGroup.POST("/forgot-password", h.ForgotPassword, limit)
	authGroup.POST("/reset-password", h.ResetPassword, limit)

	authGroup.GET("/me", h.Me, auth.RequireRole())
	authGroup.POST("/change-password", h.ChangePassword, auth.RequireRole())

	admin := api.Group("/accounts", gate.Require(auth.RoleAdmin))
	admin.PUT("/:id/active", h.SetActive)
	admin.PUT("/:id/role", h.SetRole)
}

func clientInfo(c echo.Context) session.ClientInfo {
	return session.ClientInfo{IP: c.RealIP(), UserAgent: c.Request().UserAgent()}
}

func bind(c echo.Context, dst interface{}) error {
	if err := c.Bind(dst); err != nil {
		return auth.HTTPError(auth.NewValidationError("body", "invalid request body"))
	}
	return nil
}

func (h *Handler) Register(c echo.Context) error {
	var req RegisterRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	resp, err := h.svc.Register(c.Request().Context(), req, clientInfo(c))
	if err != nil {
		return auth.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, resp)
}

func (h *Handler) Login(c echo.Context) error {
	var req LoginRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.Email == "" || req.Password == "" {
		return auth.HTTPError(auth.NewValidationError("email", "email and password are required"))
	}
	resp, err := h.svc.Login(c.Request().Context(), req, clientInfo(c))
	if err != nil {
		return auth.HTTPError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *Handler) Refresh(c echo.Context) error {
	var req refreshRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.RefreshToken == "" {
		return auth.HTTPError(auth.NewValidationError("refresh_token", "is required"))
	}
	resp, err := h.svc.Refresh(c.Request().Context(), req.RefreshToken)
	if err != nil {
		return auth.HTTPError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) Logout(c echo.Context) error {
	var req refreshRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.RefreshToken == "" {
		return auth.HTTPError(auth.NewValidationError("refresh_token", "is required"))
	}
	if err := h.svc.Logout(c.Request().Context(), req.RefreshToken); err != nil {
		return auth.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type tokenRequest struct {
	Token string `json:"token" query:"token"`
}

// VerifyEmail accepts the token as a query parameter (link click) or in a
// JSON body.
func (h *Handler) VerifyEmail(c echo.Context) error {
	token := c.QueryParam("token")
	if token == "" && c.Request().Method == http.MethodPost {
		var req tokenRequest
		if err := bind(c, &req); err != nil {
			return err
		}
		token = req.Token
	}
	if err := h.svc.VerifyEmail(c.Request().Context(), token); err != nil {
		return auth.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "verified"})
}

type emailRequest struct {
	Email string `json:"email"`
}

func (h *Handler) ResendVerification(c echo.Context) error {
	var req emailRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := h.svc.ResendVerification(c.Request().Context(), req.Email); err != nil {
		return auth.HTTPError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "if the account exists, an email has been sent"})
}

func (h *Handler) ForgotPassword(c echo.Context) error {
	var req emailRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := h.svc.ForgotPassword(c.Request().Context(), req.Email); err != nil {
		return auth.HTTPError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "if the account exists, an email has been sent"})
}

type resetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

func (h *Handler) ResetPassword(c echo.Context) error {
	var req resetPasswordRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := h.svc.ResetPassword(c.Request().Context(), req.Token, req.Password); err != nil {
		return auth.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "password reset"})
}

func (h *Handler) Me(c echo.Context) error {
	p, _ := auth.PrincipalFromContext(c.Request().Context())
	acct, err := h.svc.Me(c.Request().Context(), p.ID)
	if err != nil {
		return auth.HTTPError(err)
	}
	return c.JSON(http.StatusOK, acct)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (h *Handler) ChangePassword(c echo.Context) error {
	var req changePasswordRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	p, _ := auth.PrincipalFromContext(ctx)
	if err := h.svc.ChangePassword(ctx, p.ID, auth.SessionIDFromContext(ctx), req.CurrentPassword, req.NewPassword); err != nil {
		return auth.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func accountID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, auth.HTTPError(auth.NewValidationError("id", "must be a uuid"))
	}
	return id, nil
}

type setActiveRequest struct {
	Active *bool `json:"active"`
}

func (h *Handler) SetActive(c echo.Context) error {
	id, err := accountID(c)
	if err != nil {
		return err
	}
	var req setActiveRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.Active == nil {
		return auth.HTTPError(auth.NewValidationError("active", "is required"))
	}
	ctx := c.Request().Context()
	actor, _ := auth.PrincipalFromContext(ctx)
	if err := h.svc.SetActive(ctx, actor, id, *req.Active); err != nil {
		return auth.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type setRoleRequest struct {
	Role string `json:"role"`
}

func (h *Handler) SetRole(c echo.Context) error {
	id, err := accountID(c)
	if err != nil {
		return err
	}
	var req setRoleRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	actor, _ := auth.PrincipalFromContext(ctx)
	if err := h.svc.SetRole(ctx, actor, id, req.Role); err != nil {
		return auth.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
