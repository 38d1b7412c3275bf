package web

import (
	"net/http"
	"strconv"

	"github.com/deemkeen/fedgraph/feed"
	"github.com/gin-gonic/gin"
)

// handleFeed serves the newsfeed of a local user as Atom.
func (s *Server) handleFeed(c *gin.Context) {
	owner, err := s.localActor(c.Request.Context(), "users", c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	limit := feed.DefaultLimit
	if n, err := strconv.Atoi(c.Query("limit")); err == nil && n > 0 && n <= 200 {
		limit = n
	}
	atom, err := s.Feed.Atom(c.Request.Context(), owner, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/atom+xml; charset=utf-8", []byte(atom))
}
