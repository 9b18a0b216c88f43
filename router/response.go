package router

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"harrier/jobcenter"
	"harrier/proto"
	"harrier/registrycenter"
)

type Response struct {
	Success bool         `json:"success"`
	Reason  proto.Reason `json:"reason,omitempty"`
	Message string       `json:"message,omitempty"`
	Data    interface{}  `json:"data,omitempty"`
}

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{Success: true, Data: data})
}

func fail(c *gin.Context, err error) {
	reason := reasonOf(err)
	c.JSON(httpStatus(reason), Response{Success: false, Reason: reason, Message: err.Error()})
}

// reasonOf adds the registry center definition errors to jobcenter.ReasonOf.
func reasonOf(err error) proto.Reason {
	reason := jobcenter.ReasonOf(err)
	if reason != proto.ReasonInternal {
		return reason
	}
	switch {
	case errors.Is(err, registrycenter.ErrUnknownCenter):
		return proto.ReasonCenterNotFound
	case errors.Is(err, registrycenter.ErrInvalidDefinition), errors.Is(err, registrycenter.ErrExists):
		return proto.ReasonInvalidRequest
	}
	return reason
}

func httpStatus(reason proto.Reason) int {
	switch reason {
	case proto.ReasonNone:
		return http.StatusOK
	case proto.ReasonInvalidRequest:
		return http.StatusBadRequest
	case proto.ReasonJobNotFound, proto.ReasonInstanceNotFound, proto.ReasonCenterNotFound:
		return http.StatusNotFound
	case proto.ReasonHoldsShards, proto.ReasonJobExists, proto.ReasonNoEligibleInstance:
		return http.StatusConflict
	case proto.ReasonRegistryUnavailable, proto.ReasonLockTimeout:
		return http.StatusServiceUnavailable
	case proto.ReasonNoActiveRegistry:
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}
