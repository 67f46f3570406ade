package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMiddlewareRecordsRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/sessions/:code", func(c *gin.Context) { c.Status(http.StatusOK) })

	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/sessions/:code", "200"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sessions/ABC234", nil))

	assert.Equal(t, before+1, testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/sessions/:code", "200")))
}

func TestDomainCounters(t *testing.T) {
	before := testutil.ToFloat64(transitions.WithLabelValues("waiting", "countdown"))
	RecordTransition("waiting", "countdown")
	assert.Equal(t, before+1, testutil.ToFloat64(transitions.WithLabelValues("waiting", "countdown")))

	RecordClaim("accepted")
	RecordDraw("drawn")
	RecordSwept(2)
	SetConnections(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(connections))
}

func TestHandlerExposesRegistry(t *testing.T) {
	RecordSessionCreated()
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "bingo_sessions_created_total"))
}
