package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/coursegrid/coursegrid/pkg/apiserver/apierror"
	"github.com/coursegrid/coursegrid/pkg/model"
	"github.com/coursegrid/coursegrid/pkg/queue"
)

const maxLimit = 200

func parseLimit(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	if parsed > maxLimit {
		return maxLimit
	}
	return parsed
}

func parseOffset(value string) int {
	if value == "" {
		return 0
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return 0
	}
	return parsed
}

func parseID(c *gin.Context, param string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(param), 10, 64)
	if err != nil || id == 0 {
		apierror.BadRequest(c, "invalid "+param)
		return 0, false
	}
	return id, true
}

// parseRef reads a tenant-qualified reference of the given kind.
func parseRef(c *gin.Context, param string, kind model.EntityKind) (model.Ref, bool) {
	ref, err := model.ParseRef(c.Param(param))
	if err != nil {
		apierror.BadRequest(c, err.Error())
		return model.Ref{}, false
	}
	if ref.Kind != kind {
		apierror.BadRequest(c, "expected a "+string(kind)+" reference")
		return model.Ref{}, false
	}
	return ref, true
}

type jobAccepted struct {
	JobID string `json:"job_id"`
	Kind  string `json:"kind"`
}

func accepted(env *queue.Envelope) jobAccepted {
	return jobAccepted{JobID: env.ID, Kind: env.Kind}
}
