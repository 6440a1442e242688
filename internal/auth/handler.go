package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relayvoice/backend/pkg/response"
	"github.com/relayvoice/backend/pkg/utils"
)

// AdminAccount is a statically configured dashboard login. The monitoring
// plane has a handful of operator accounts, so they live in configuration
// rather than a user table.
type AdminAccount struct {
	Email        string
	PasswordHash string // bcrypt
}

// LoginRequest is the body for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// TokenResponse is the auth response with JWT.
type TokenResponse struct {
	Token string `json:"token"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Handler handles auth HTTP endpoints.
type Handler struct {
	accounts map[string]AdminAccount // email -> account
	jwt      *JWTService
	logger   *zap.Logger
}

// NewHandler creates an auth handler for the configured admin accounts.
func NewHandler(accounts []AdminAccount, jwt *JWTService, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	byEmail := make(map[string]AdminAccount, len(accounts))
	for _, a := range accounts {
		byEmail[a.Email] = a
	}
	return &Handler{accounts: byEmail, jwt: jwt, logger: logger}
}

// Login handles POST /auth/login.
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	account, ok := h.accounts[req.Email]
	if !ok || !utils.CheckPassword(req.Password, account.PasswordHash) {
		response.Unauthorized(c, "invalid email or password")
		return
	}

	// A stable per-email ID keeps the admin identifiable across logins in logs
	// and connection state without a user table.
	adminID := uuid.NewSHA1(uuid.NameSpaceOID, []byte(account.Email)).String()
	token, err := h.jwt.Generate(adminID, account.Email, "admin")
	if err != nil {
		h.logger.Error("token generation failed", zap.Error(err), zap.String("email", account.Email))
		response.Internal(c, "failed to generate token")
		return
	}

	c.JSON(http.StatusOK, response.Body{Success: true, Data: TokenResponse{
		Token: token,
		Email: account.Email,
		Role:  "admin",
	}})
}
