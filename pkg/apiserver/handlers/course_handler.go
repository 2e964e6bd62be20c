package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/coursegrid/coursegrid/pkg/apiserver/apierror"
	"github.com/coursegrid/coursegrid/pkg/apiserver/middleware"
	"github.com/coursegrid/coursegrid/pkg/jobs"
	"github.com/coursegrid/coursegrid/pkg/model"
	"github.com/coursegrid/coursegrid/pkg/queue"
	"github.com/coursegrid/coursegrid/pkg/store/postgres"
	"github.com/coursegrid/coursegrid/pkg/tenantdb"
)

// Dispatcher enqueues a job under the binding of ctx.
type Dispatcher interface {
	Dispatch(ctx context.Context, kind string, args interface{}, opts ...queue.Option) (*queue.Envelope, error)
}

type CourseHandler struct {
	resolver   *tenantdb.Resolver
	dispatcher Dispatcher
	logger     *zap.Logger
}

func NewCourseHandler(resolver *tenantdb.Resolver, dispatcher Dispatcher, logger *zap.Logger) *CourseHandler {
	return &CourseHandler{resolver: resolver, dispatcher: dispatcher, logger: logger}
}

type courseCreateRequest struct {
	Slug        string `json:"slug" binding:"required,max=128"`
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
}

type courseCloneRequest struct {
	Slug  string `json:"slug" binding:"required,max=128"`
	Title string `json:"title"`
}

type courseListResponse struct {
	Courses []model.Course `json:"courses"`
	Total   int64          `json:"total"`
}

func (h *CourseHandler) List(c *gin.Context) {
	var resp courseListResponse
	err := h.resolver.Do(c.Request.Context(), func(ctx context.Context, db *gorm.DB) error {
		var err error
		resp.Courses, resp.Total, err = postgres.NewCourseRepository(db).List(ctx,
			c.Query("include_archived") == "true",
			parseLimit(c.Query("limit"), 50),
			parseOffset(c.Query("offset")),
		)
		return err
	})
	if err != nil {
		apierror.Abort(c, err)
		return
	}
	if resp.Courses == nil {
		resp.Courses = []model.Course{}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *CourseHandler) Create(c *gin.Context) {
	var req courseCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.BadRequest(c, err.Error())
		return
	}

	course := &model.Course{Slug: req.Slug, Title: req.Title, Description: req.Description}
	course.Stamp(middleware.Actor(c))
	var taken bool
	err := h.resolver.Do(c.Request.Context(), func(ctx context.Context, db *gorm.DB) error {
		courses := postgres.NewCourseRepository(db)
		_, err := courses.BySlug(ctx, req.Slug)
		if err == nil {
			taken = true
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return courses.Create(ctx, course)
	})
	if err != nil {
		apierror.Abort(c, err)
		return
	}
	if taken {
		apierror.Write(c, http.StatusConflict, "slug_taken", apierror.ActionFixRequest, "slug "+req.Slug+" is already in use")
		return
	}
	c.JSON(http.StatusCreated, course)
}

// Get loads a course by tenant-qualified reference. A reference into
// another tenant's database fails before any statement is issued.
func (h *CourseHandler) Get(c *gin.Context) {
	ref, ok := parseRef(c, "ref", model.KindCourse)
	if !ok {
		return
	}
	course, err := h.resolver.Load(c.Request.Context(), ref)
	if err != nil {
		apierror.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, course)
}

func (h *CourseHandler) Clone(c *gin.Context) {
	ref, ok := parseRef(c, "ref", model.KindCourse)
	if !ok {
		return
	}
	var req courseCloneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.BadRequest(c, err.Error())
		return
	}
	ctx := c.Request.Context()
	if err := tenantdb.CheckRef(ctx, ref); err != nil {
		apierror.Abort(c, err)
		return
	}

	env, err := h.dispatcher.Dispatch(ctx, jobs.KindCourseClone, jobs.CourseCloneArgs{
		SourceID: ref.ID,
		Slug:     req.Slug,
		Title:    req.Title,
		Actor:    middleware.Actor(c),
	})
	if err != nil {
		apierror.Abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, accepted(env))
}
