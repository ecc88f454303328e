package prize

import (
	"context"
	"encoding/json"
	"net/http"

	"competition-engine/pkg/errutil"
	"competition-engine/pkg/logger"
	"competition-engine/pkg/task"
	"competition-engine/pkg/taskname"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func RegisterRoutes(r *gin.Engine, h *Handler) {
	r.POST("/v1/competitions/:id/distribute", h.Distribute)
}

// Distribute runs the distribution synchronously. retry=true reruns it for a
// competition already marked PRIZES_DISTRIBUTED.
func (h *Handler) Distribute(c *gin.Context) {
	run := h.svc.Distribute
	if c.Query("retry") == "true" {
		run = h.svc.Redistribute
	}

	report, err := run(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// HandleDistributeTask is the asynq entry point for competition:distribute_prizes.
func (s *Service) HandleDistributeTask(ctx context.Context, t *asynq.Task) error {
	var payload taskname.DistributePrizesPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return task.HandlerError(errutil.BadRequest("malformed distribute payload", err))
	}

	report, err := s.Distribute(ctx, payload.CompetitionID)
	if err != nil {
		return task.HandlerError(err)
	}
	if report.FailedDistributions > 0 {
		logger.FromContext(ctx).Warn("distribution finished with failures",
			zap.String("competition_id", payload.CompetitionID),
			zap.Int("failed", report.FailedDistributions),
		)
	}
	return nil
}

func RegisterTaskHandlers(mux *asynq.ServeMux, s *Service) {
	mux.HandleFunc(taskname.CompetitionDistributePrize, s.HandleDistributeTask)
}
