package ledger

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func RegisterRoutes(r *gin.Engine, h *Handler) {
	g := r.Group("/v1/users/:user_id/points")
	g.GET("", h.Balance)
	g.GET("/entries", h.Entries)
	g.GET("/verify", h.Verify)
}

func (h *Handler) Balance(c *gin.Context) {
	out, err := h.svc.GetBalance(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) Entries(c *gin.Context) {
	out, err := h.svc.ListEntries(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": out})
}

func (h *Handler) Verify(c *gin.Context) {
	out, err := h.svc.VerifyBalance(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, out)
}
