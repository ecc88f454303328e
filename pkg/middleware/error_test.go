package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"competition-engine/pkg/errutil"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	zap.ReplaceGlobals(zap.NewNop())

	r := gin.New()
	r.Use(Access(), Error())
	r.GET("/not-found", func(c *gin.Context) {
		_ = c.Error(errutil.NotFound("competition not found", nil))
	})
	r.GET("/plain", func(c *gin.Context) {
		_ = c.Error(errors.New("db down"))
	})
	r.GET("/written", func(c *gin.Context) {
		c.JSON(http.StatusAccepted, gin.H{"ok": true})
		_ = c.Error(errutil.Conflict("late", nil))
	})
	return r
}

func serve(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestErrorRendersBaseError(t *testing.T) {
	w := serve(newRouter(), "/not-found")
	require.Equal(t, http.StatusNotFound, w.Code)

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "not_found", body.Error.Code)
	require.Equal(t, "competition not found", body.Error.Message)
}

func TestErrorHidesUnknownErrors(t *testing.T) {
	w := serve(newRouter(), "/plain")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.NotContains(t, w.Body.String(), "db down")
}

func TestErrorKeepsWrittenResponse(t *testing.T) {
	w := serve(newRouter(), "/written")
	require.Equal(t, http.StatusAccepted, w.Code)
}
