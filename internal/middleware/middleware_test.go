package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/bbss-go/bbss/internal/models"
	"github.com/bbss-go/bbss/internal/service"
	appErrors "github.com/bbss-go/bbss/pkg/errors"
)

type validatorStub struct {
	claims *models.JWTClaims
}

func (v validatorStub) ValidateToken(token string) (*models.JWTClaims, error) {
	if token != "good" {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token")
	}
	return v.claims, nil
}

func newProtectedRouter(role string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(WithResponseMeta())
	r.GET("/purge", JWT(validatorStub{claims: &models.JWTClaims{Username: "office", Role: role}}), RequireRoles(models.RoleOperator), func(c *gin.Context) {
		SetMeta(c, "user", Claims(c).Username)
		c.JSON(http.StatusOK, ExtractMeta(c))
	})
	return r
}

func TestJWTAndRoles(t *testing.T) {
	cases := []struct {
		name   string
		header string
		role   string
		status int
	}{
		{name: "missing header", status: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic good", role: models.RoleOperator, status: http.StatusUnauthorized},
		{name: "bad token", header: "Bearer bad", role: models.RoleOperator, status: http.StatusUnauthorized},
		{name: "wrong role", header: "Bearer good", role: "viewer", status: http.StatusForbidden},
		{name: "operator", header: "Bearer good", role: models.RoleOperator, status: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/purge", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			newProtectedRouter(tc.role).ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
			if tc.status == http.StatusOK {
				assert.Contains(t, w.Body.String(), `"user":"office"`)
				assert.Contains(t, w.Body.String(), "processing_time_ms")
			}
		})
	}
}

func TestMetricsMiddlewareCountsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	metrics := service.NewMetricsService()
	r.Use(Metrics(metrics))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, uint64(1), metrics.Snapshot().RequestsTotal)
}

func TestMetricsMiddlewareLabelsByRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	metrics := service.NewMetricsService()
	r.Use(Metrics(metrics, "/health"))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/students/:id/history", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, path := range []string{"/health", "/students/7/history", "/students/8/history", "/export/secret-token"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	assert.Equal(t, uint64(3), metrics.Snapshot().RequestsTotal)

	scrape := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := scrape.Body.String()
	assert.Contains(t, body, `path="/students/:id/history"`)
	assert.Contains(t, body, `path="unmatched"`)
	assert.NotContains(t, body, "secret-token")
	assert.NotContains(t, body, `path="/health"`)
}
