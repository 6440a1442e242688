package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayvoice/backend/pkg/utils"
)

func newAuthRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hash, err := utils.HashPassword("correct horse")
	require.NoError(t, err)

	handler := NewHandler([]AdminAccount{
		{Email: "ops@example.com", PasswordHash: hash},
	}, NewJWTService("test-secret", 24), nil)

	r := gin.New()
	r.POST("/auth/login", handler.Login)
	return r
}

func postLogin(t *testing.T, r *gin.Engine, email, password string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(LoginRequest{Email: email, Password: password})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestLogin_ValidCredentials(t *testing.T) {
	r := newAuthRouter(t)

	w := postLogin(t, r, "ops@example.com", "correct horse")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Success bool          `json:"success"`
		Data    TokenResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.True(t, body.Success)
	assert.NotEmpty(t, body.Data.Token)
	assert.Equal(t, "admin", body.Data.Role)

	claims, err := NewJWTService("test-secret", 24).Validate(body.Data.Token)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", claims.Email)
	assert.NotEmpty(t, claims.AdminID)
}

func TestLogin_WrongPassword(t *testing.T) {
	r := newAuthRouter(t)
	w := postLogin(t, r, "ops@example.com", "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLogin_UnknownEmail(t *testing.T) {
	r := newAuthRouter(t)
	w := postLogin(t, r, "nobody@example.com", "correct horse")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestJWT_ValidateRejectsTampered(t *testing.T) {
	svc := NewJWTService("test-secret", 24)
	token, err := svc.Generate("admin-1", "ops@example.com", "admin")
	require.NoError(t, err)

	_, err = svc.Validate(token)
	assert.NoError(t, err)

	_, err = NewJWTService("other-secret", 24).Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.Validate(token + "x")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
