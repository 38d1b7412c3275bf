package web

import (
	"net/http"
	"strconv"

	"github.com/deemkeen/fedgraph/domain"
	"github.com/gin-gonic/gin"
)

// ActorHeader carries the id of the acting local user. Authentication is
// left to the proxy in front of the server.
const ActorHeader = "X-Actor-ID"

const userKey = "fedgraph.user"

func requireUser(c *gin.Context) {
	id, err := strconv.ParseInt(c.GetHeader(ActorHeader), 10, 64)
	if err != nil || id <= 0 {
		abort(c, http.StatusUnauthorized, "unauthenticated", "missing or bad "+ActorHeader)
		return
	}
	c.Set(userKey, id)
	c.Next()
}

func currentUser(c *gin.Context) int64 {
	return c.GetInt64(userKey)
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		respondError(c, domain.NewError(domain.ReasonBadRequest, "bad %s %q", name, c.Param(name)))
		return 0, false
	}
	return id, true
}

// action adapts a relationship action on (user, :id) to a handler that
// answers 204 on success.
func action(fn func(c *gin.Context, user, target int64) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		target, ok := pathID(c, "id")
		if !ok {
			return
		}
		if err := fn(c, currentUser(c), target); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type friendRequestBody struct {
	Message string `json:"message"`
}

type listBody struct {
	Name    string  `json:"name"`
	Members []int64 `json:"members"`
}

func (s *Server) registerFriendAPI(api *gin.RouterGroup) {
	api.GET("/relationships/:id", s.relationship)

	api.GET("/friends", s.listFriends)
	api.GET("/friends/requests", s.incomingRequests)
	api.POST("/friends/:id", s.sendFriendRequest)
	api.POST("/friends/:id/accept", action(func(c *gin.Context, user, target int64) error {
		return s.Friends.AcceptRequest(c.Request.Context(), user, target)
	}))
	api.POST("/friends/:id/reject", action(func(c *gin.Context, user, target int64) error {
		return s.Friends.RejectRequest(c.Request.Context(), user, target)
	}))
	api.DELETE("/friends/:id", action(func(c *gin.Context, user, target int64) error {
		return s.Friends.Unfriend(c.Request.Context(), user, target)
	}))

	api.POST("/follows/:id", action(func(c *gin.Context, user, target int64) error {
		return s.Friends.Follow(c.Request.Context(), user, target)
	}))
	api.POST("/blocks/:id", action(func(c *gin.Context, user, target int64) error {
		return s.Friends.Block(c.Request.Context(), user, target)
	}))
	api.DELETE("/blocks/:id", action(func(c *gin.Context, user, target int64) error {
		return s.Friends.Unblock(c.Request.Context(), user, target)
	}))

	api.POST("/groups/:id/members", s.joinGroup)
	api.DELETE("/groups/:id/members", action(func(c *gin.Context, user, group int64) error {
		return s.Friends.LeaveGroup(c.Request.Context(), user, group)
	}))

	api.GET("/lists", s.friendLists)
	api.POST("/lists", s.createFriendList)
	api.PUT("/lists/:list", s.renameFriendList)
	api.DELETE("/lists/:list", s.deleteFriendList)
	api.POST("/lists/:list/members", s.updateListMembers(true))
	api.DELETE("/lists/:list/members", s.updateListMembers(false))

	api.GET("/notifications", s.notifications)
	api.POST("/notifications/read", s.readNotifications)
}

func (s *Server) relationship(c *gin.Context) {
	target, ok := pathID(c, "id")
	if !ok {
		return
	}
	status, err := s.Friends.Status(c.Request.Context(), currentUser(c), target)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status.String()})
}

func (s *Server) sendFriendRequest(c *gin.Context) {
	target, ok := pathID(c, "id")
	if !ok {
		return
	}
	var body friendRequestBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			respondError(c, domain.ErrBadRequest.Wrap(err))
			return
		}
	}
	friends, err := s.Friends.SendRequest(c.Request.Context(), currentUser(c), target, body.Message)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"friends": friends})
}

func (s *Server) listFriends(c *gin.Context) {
	edges, err := s.Graph.Friends(c.Request.Context(), currentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]gin.H, 0, len(edges))
	for _, e := range edges {
		out = append(out, gin.H{"id": e.FolloweeID, "since": e.AddedAt, "rank": e.HintsRank})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) incomingRequests(c *gin.Context) {
	requests, err := s.Graph.IncomingFriendRequests(c.Request.Context(), currentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]gin.H, 0, len(requests))
	for _, fr := range requests {
		out = append(out, gin.H{"from": fr.FromID, "message": fr.Message, "at": fr.CreatedAt})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) joinGroup(c *gin.Context) {
	group, ok := pathID(c, "id")
	if !ok {
		return
	}
	state, err := s.Friends.JoinGroup(c.Request.Context(), currentUser(c), group)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state.String()})
}

func listParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("list"))
	if err != nil {
		respondError(c, domain.NewError(domain.ReasonBadRequest, "bad list id %q", c.Param("list")))
		return 0, false
	}
	return id, true
}

func (s *Server) friendLists(c *gin.Context) {
	lists, err := s.Graph.FriendLists(c.Request.Context(), currentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]gin.H, 0, len(lists))
	for _, l := range lists {
		out = append(out, gin.H{"id": l.ID, "name": l.Name})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) createFriendList(c *gin.Context) {
	var body listBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, domain.ErrBadRequest.Wrap(err))
		return
	}
	id, err := s.Graph.CreateFriendList(c.Request.Context(), currentUser(c), body.Name, body.Members)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id, "name": body.Name})
}

func (s *Server) renameFriendList(c *gin.Context) {
	list, ok := listParam(c)
	if !ok {
		return
	}
	var body listBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, domain.ErrBadRequest.Wrap(err))
		return
	}
	if err := s.Graph.RenameFriendList(c.Request.Context(), currentUser(c), list, body.Name); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) deleteFriendList(c *gin.Context) {
	list, ok := listParam(c)
	if !ok {
		return
	}
	if err := s.Graph.DeleteFriendList(c.Request.Context(), currentUser(c), list); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) updateListMembers(add bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, ok := listParam(c)
		if !ok {
			return
		}
		var body listBody
		if err := c.ShouldBindJSON(&body); err != nil {
			respondError(c, domain.ErrBadRequest.Wrap(err))
			return
		}
		ctx, user := c.Request.Context(), currentUser(c)
		var err error
		if add {
			err = s.Graph.AddToFriendList(ctx, user, list, body.Members)
		} else {
			err = s.Graph.RemoveFromFriendList(ctx, user, list, body.Members)
		}
		if err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (s *Server) notifications(c *gin.Context) {
	ctx, user := c.Request.Context(), currentUser(c)
	limit := 50
	if n, err := strconv.Atoi(c.Query("limit")); err == nil && n > 0 && n <= 200 {
		limit = n
	}
	list, err := s.Notify.List(ctx, user, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	unread, err := s.Notify.Unread(ctx, user)
	if err != nil {
		respondError(c, err)
		return
	}
	items := make([]gin.H, 0, len(list))
	for _, n := range list {
		items = append(items, gin.H{
			"id":      n.ID,
			"type":    n.Type,
			"actor":   n.ActorID,
			"object":  n.ObjectID,
			"payload": n.Payload,
			"read":    n.Read,
			"at":      n.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"unread": unread, "items": items})
}

func (s *Server) readNotifications(c *gin.Context) {
	if err := s.Notify.ResetUnread(c.Request.Context(), currentUser(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
