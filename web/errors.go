package web

import (
	"net/http"

	"github.com/deemkeen/fedgraph/domain"
	"github.com/gin-gonic/gin"
)

var reasonStatus = map[domain.Reason]int{
	domain.ReasonBadRequest:          http.StatusBadRequest,
	domain.ReasonWrongObjectType:     http.StatusNotFound,
	domain.ReasonNotFound:            http.StatusNotFound,
	domain.ReasonFetchNotFound:       http.StatusNotFound,
	domain.ReasonAuthorizationDenied: http.StatusForbidden,
	domain.ReasonAlreadyInState:      http.StatusConflict,
	domain.ReasonIdentityCollision:   http.StatusConflict,
	domain.ReasonUnresolvableActor:   http.StatusUnprocessableEntity,
	domain.ReasonUnsupportedActivity: http.StatusUnprocessableEntity,
	domain.ReasonFetchTimeout:        http.StatusServiceUnavailable,
	domain.ReasonFetchNetwork:        http.StatusServiceUnavailable,
}

// StatusFor maps an error to the HTTP status of its reason code.
func StatusFor(err error) int {
	if status, ok := reasonStatus[domain.ReasonOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// respondError writes {"error": reason, "message": ...}. Internal errors
// are logged and their message is not exposed.
func respondError(c *gin.Context, err error) {
	reason := domain.ReasonOf(err)
	status := StatusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		log.Errorf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		message = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": reason, "message": message})
}
