package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/coursegrid/coursegrid/pkg/apiserver/apierror"
	"github.com/coursegrid/coursegrid/pkg/apiserver/middleware"
	"github.com/coursegrid/coursegrid/pkg/jobs"
	"github.com/coursegrid/coursegrid/pkg/model"
	"github.com/coursegrid/coursegrid/pkg/store/postgres"
	"github.com/coursegrid/coursegrid/pkg/tenantdb"
)

type ReportHandler struct {
	resolver   *tenantdb.Resolver
	dispatcher Dispatcher
	logger     *zap.Logger
}

func NewReportHandler(resolver *tenantdb.Resolver, dispatcher Dispatcher, logger *zap.Logger) *ReportHandler {
	return &ReportHandler{resolver: resolver, dispatcher: dispatcher, logger: logger}
}

type reportCreateRequest struct {
	Kind string `json:"kind"`
}

type reportCreateResponse struct {
	Report *model.Report `json:"report"`
	JobID  string        `json:"job_id"`
}

// Create records a pending report and hands it to the worker.
func (h *ReportHandler) Create(c *gin.Context) {
	var req reportCreateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apierror.BadRequest(c, err.Error())
			return
		}
	}
	if req.Kind == "" {
		req.Kind = jobs.SummaryReport
	}
	if req.Kind != jobs.SummaryReport {
		apierror.BadRequest(c, "unknown report kind "+req.Kind)
		return
	}

	report := &model.Report{Kind: req.Kind, Status: model.ReportPending}
	report.Stamp(middleware.Actor(c))
	ctx := c.Request.Context()
	err := h.resolver.Do(ctx, func(ctx context.Context, db *gorm.DB) error {
		return postgres.NewReportRepository(db).Create(ctx, report)
	})
	if err != nil {
		apierror.Abort(c, err)
		return
	}

	env, err := h.dispatcher.Dispatch(ctx, jobs.KindReport, jobs.ReportArgs{ReportID: report.ID})
	if err != nil {
		apierror.Abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, reportCreateResponse{Report: report, JobID: env.ID})
}

func (h *ReportHandler) Get(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var report *model.Report
	err := h.resolver.Do(c.Request.Context(), func(ctx context.Context, db *gorm.DB) error {
		var err error
		report, err = postgres.NewReportRepository(db).Get(ctx, id)
		return err
	})
	if err != nil {
		apierror.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
