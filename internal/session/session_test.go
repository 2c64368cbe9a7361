package session

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apperrors "github.com/agent-platform/svcauth/internal/errors"
	"github.com/agent-platform/svcauth/internal/httpx"
	"github.com/agent-platform/svcauth/internal/logging"
	"github.com/agent-platform/svcauth/internal/models"
	"github.com/agent-platform/svcauth/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func testSigner(t *testing.T) *token.Signer {
	t.Helper()
	s, err := token.NewSigner(testKey, "ai-agent-platform", "ai-agent-platform-services")
	require.NoError(t, err)
	return s
}

var admin = models.AuthUser{ID: "u-1", Email: "admin@example.com", FirstName: "Ada", Role: models.RoleAdmin}
var member = models.AuthUser{ID: "u-2", Email: "member@example.com", Role: "USER"}

func sign(t *testing.T, s *token.Signer, u models.AuthUser) string {
	t.Helper()
	raw, err := s.SignUser(u, time.Hour)
	require.NoError(t, err)
	return raw
}

// --- Validate ---

func TestValidate_UserToken(t *testing.T) {
	s := testSigner(t)
	v := NewValidator(s)

	u, err := v.Validate(sign(t, s, admin))
	require.NoError(t, err)
	assert.Equal(t, "u-1", u.ID)
	assert.Equal(t, "admin@example.com", u.Email)
	assert.Equal(t, "Ada", u.FirstName)
	assert.True(t, u.IsAdmin())
	assert.True(t, u.IsActive)
}

func TestValidate_RejectsServiceToken(t *testing.T) {
	s := testSigner(t)
	v := NewValidator(s)

	raw, _, err := s.SignService("client_abc", []string{"read"}, time.Hour)
	require.NoError(t, err)

	_, err = v.Validate(raw)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
}

func TestValidate_RejectsForeignKey(t *testing.T) {
	other, err := token.NewSigner([]byte("ffffffffffffffffffffffffffffffff"), "ai-agent-platform", "ai-agent-platform-services")
	require.NoError(t, err)

	_, err = NewValidator(testSigner(t)).Validate(sign(t, other, admin))
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	assert.ErrorIs(t, err, apperrors.ErrInvalidToken)
}

func TestValidate_RejectsGarbage(t *testing.T) {
	_, err := NewValidator(testSigner(t)).Validate("not-a-jwt")
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	assert.ErrorIs(t, err, apperrors.ErrInvalidToken)
}

// --- HandleValidateToken ---

func postValidate(t *testing.T, h http.Handler, body string) ValidateResponse {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/validate-token", bytes.NewBufferString(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ValidateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHandleValidateToken_Valid(t *testing.T) {
	s := testSigner(t)
	h := HandleValidateToken(NewValidator(s), logging.Discard())

	body, _ := json.Marshal(map[string]string{"token": sign(t, s, member)})
	resp := postValidate(t, h, string(body))

	assert.True(t, resp.Success)
	assert.True(t, resp.Valid)
	require.NotNil(t, resp.UserInfo)
	assert.Equal(t, "u-2", resp.UserInfo.UserID)
	assert.Equal(t, "USER", resp.UserInfo.Role)
}

func TestHandleValidateToken_Invalid(t *testing.T) {
	h := HandleValidateToken(NewValidator(testSigner(t)), logging.Discard())

	for _, body := range []string{`{"token":"bogus"}`, `{}`, `nope`} {
		resp := postValidate(t, h, body)
		assert.False(t, resp.Success, body)
		assert.False(t, resp.Valid, body)
		assert.Equal(t, "Invalid token", resp.Message, body)
		assert.Nil(t, resp.UserInfo, body)
	}
}

// --- Middleware ---

func okHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NotNil(t, RequestUser(r.Context()))
		w.WriteHeader(http.StatusNoContent)
	})
}

func serve(h http.Handler, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/oauth/clients", nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRequireAdmin(t *testing.T) {
	s := testSigner(t)
	h := RequireAdmin(NewValidator(s), logging.Discard())(okHandler(t))

	assert.Equal(t, http.StatusNoContent, serve(h, sign(t, s, admin)).Code)

	rec := serve(h, sign(t, s, member))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	var body httpx.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Forbidden", body.Error)

	assert.Equal(t, http.StatusUnauthorized, serve(h, "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(h, "garbage").Code)
}

func TestAuthenticate_AnyRole(t *testing.T) {
	s := testSigner(t)
	h := Authenticate(NewValidator(s), logging.Discard())(okHandler(t))

	assert.Equal(t, http.StatusNoContent, serve(h, sign(t, s, member)).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(h, "").Code)
}

func TestRequestUser_Empty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Nil(t, RequestUser(req.Context()))
}
