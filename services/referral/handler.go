package referral

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
	g := r.Group("/v1/referrals")
	g.POST("", h.Link)
	g.DELETE("/:user_id", h.Deactivate)
	g.GET("/:user_id/points", h.Points)
}

type linkRequest struct {
	ReferrerID string `json:"referrer_id" binding:"required"`
	ReferredID string `json:"referred_id" binding:"required"`
}

func (h *Handler) Link(c *gin.Context) {
	var req linkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	out, err := h.svc.Link(c.Request.Context(), req.ReferrerID, req.ReferredID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (h *Handler) Deactivate(c *gin.Context) {
	if err := h.svc.Deactivate(c.Request.Context(), c.Param("user_id")); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) Points(c *gin.Context) {
	id := c.Param("user_id")
	amount, err := h.svc.GetReferralPoints(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"referrer_id": id, "amount": amount})
}
