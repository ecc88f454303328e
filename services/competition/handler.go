package competition

import (
	"errors"
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
	g := r.Group("/v1/competitions")
	g.POST("", h.Create)
	g.GET("/:id", h.Get)
	g.POST("/:id/status", h.Transition)
}

func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	out, err := h.svc.Create(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (h *Handler) Get(c *gin.Context) {
	out, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type transitionRequest struct {
	Status Status `json:"status" binding:"required"`
}

// Transition moves a competition to the requested status. Repeating a transition that
// already happened answers with the current state.
func (h *Handler) Transition(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}
	if req.Status == StatusPrizesDistributed {
		_ = c.Error(errutil.UnprocessableEntity("prizes are distributed through the distribute endpoint", nil))
		return
	}

	out, err := h.svc.Transition(c.Request.Context(), c.Param("id"), req.Status)
	if errors.Is(err, ErrStatusChanged) && out != nil && out.Status == req.Status {
		c.JSON(http.StatusOK, out)
		return
	}
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, out)
}
