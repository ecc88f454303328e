package leaderboard

import (
	"net/http"

	"competition-engine/pkg/errutil"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func RegisterRoutes(r *gin.Engine, h *Handler) {
	r.GET("/v1/competitions/:id/leaderboard", h.Competition)
	r.GET("/v1/leaderboard/global", h.Global)
}

func bindQuery(c *gin.Context) (Query, error) {
	var q Query
	if err := c.ShouldBindQuery(&q); err != nil {
		return q, errutil.BadRequest("invalid query parameters", err)
	}
	return q, nil
}

func (h *Handler) Competition(c *gin.Context) {
	q, err := bindQuery(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	page, err := h.svc.CompetitionLeaderboard(c.Request.Context(), c.Param("id"), q)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) Global(c *gin.Context) {
	q, err := bindQuery(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	page, err := h.svc.GlobalLeaderboard(c.Request.Context(), q)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, page)
}
