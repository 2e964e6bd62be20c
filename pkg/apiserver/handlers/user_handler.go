package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/coursegrid/coursegrid/pkg/apiserver/apierror"
	"github.com/coursegrid/coursegrid/pkg/apiserver/middleware"
	"github.com/coursegrid/coursegrid/pkg/jobs"
)

const maxBulkUsers = 5000

type UserHandler struct {
	dispatcher Dispatcher
	logger     *zap.Logger
}

func NewUserHandler(dispatcher Dispatcher, logger *zap.Logger) *UserHandler {
	return &UserHandler{dispatcher: dispatcher, logger: logger}
}

type bulkOnboardRequest struct {
	Users []jobs.NewUser `json:"users" binding:"required,min=1,dive"`
}

func (h *UserHandler) BulkOnboard(c *gin.Context) {
	var req bulkOnboardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.BadRequest(c, err.Error())
		return
	}
	if len(req.Users) > maxBulkUsers {
		apierror.BadRequest(c, "too many users in one request")
		return
	}

	env, err := h.dispatcher.Dispatch(c.Request.Context(), jobs.KindBulkOnboard, jobs.BulkOnboardArgs{
		Users: req.Users,
		Actor: middleware.Actor(c),
	})
	if err != nil {
		apierror.Abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, accepted(env))
}
