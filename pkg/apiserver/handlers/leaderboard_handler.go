package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/coursegrid/coursegrid/pkg/apiserver/apierror"
	"github.com/coursegrid/coursegrid/pkg/jobs"
	"github.com/coursegrid/coursegrid/pkg/model"
	"github.com/coursegrid/coursegrid/pkg/store/postgres"
	"github.com/coursegrid/coursegrid/pkg/tenantdb"
)

type LeaderboardHandler struct {
	resolver   *tenantdb.Resolver
	dispatcher Dispatcher
	logger     *zap.Logger
}

func NewLeaderboardHandler(resolver *tenantdb.Resolver, dispatcher Dispatcher, logger *zap.Logger) *LeaderboardHandler {
	return &LeaderboardHandler{resolver: resolver, dispatcher: dispatcher, logger: logger}
}

type leaderboardComputeRequest struct {
	Period string `json:"period" binding:"max=32"`
}

type leaderboardResponse struct {
	Period  string                   `json:"period"`
	Entries []model.LeaderboardEntry `json:"entries"`
}

func (h *LeaderboardHandler) Compute(c *gin.Context) {
	var req leaderboardComputeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apierror.BadRequest(c, err.Error())
			return
		}
	}
	env, err := h.dispatcher.Dispatch(c.Request.Context(), jobs.KindLeaderboard, jobs.LeaderboardArgs{Period: req.Period})
	if err != nil {
		apierror.Abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, accepted(env))
}

func (h *LeaderboardHandler) List(c *gin.Context) {
	resp := leaderboardResponse{Period: c.DefaultQuery("period", jobs.DefaultLeaderboardPeriod)}
	err := h.resolver.Do(c.Request.Context(), func(ctx context.Context, db *gorm.DB) error {
		var err error
		resp.Entries, err = postgres.NewLeaderboardRepository(db).List(ctx, resp.Period)
		return err
	})
	if err != nil {
		apierror.Abort(c, err)
		return
	}
	if resp.Entries == nil {
		resp.Entries = []model.LeaderboardEntry{}
	}
	c.JSON(http.StatusOK, resp)
}
