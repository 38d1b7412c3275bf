package web

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/deemkeen/fedgraph/store"
	"github.com/gin-gonic/gin"
)

const itemsPerPage = 20

// collection lists the ids of the actors in one of an actor's collections.
type collection struct {
	name string
	ids  func(tx store.Tx, owner int64) ([]int64, error)
}

var (
	followersCollection = collection{"followers", func(tx store.Tx, owner int64) ([]int64, error) {
		edges, err := tx.Followers(owner)
		ids := make([]int64, 0, len(edges))
		for _, e := range edges {
			if e.Accepted {
				ids = append(ids, e.FollowerID)
			}
		}
		return ids, err
	}}
	followingCollection = collection{"following", func(tx store.Tx, owner int64) ([]int64, error) {
		edges, err := tx.Following(owner)
		ids := make([]int64, 0, len(edges))
		for _, e := range edges {
			if e.Accepted {
				ids = append(ids, e.FolloweeID)
			}
		}
		return ids, err
	}}
	membersCollection = collection{"members", func(tx store.Tx, owner int64) ([]int64, error) {
		members, err := tx.Members(owner)
		ids := make([]int64, 0, len(members))
		for _, m := range members {
			if m.Accepted {
				ids = append(ids, m.UserID)
			}
		}
		return ids, err
	}}
)

// handleCollection serves an OrderedCollection of actor URIs. Without a
// page parameter only the totals and a link to the first page are returned.
func (s *Server) handleCollection(kind string, coll collection) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		owner, err := s.localActor(ctx, kind, c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		collURL := fmt.Sprintf("%s/%s", owner.APID, coll.name)
		page := ParsePageParam(c.Query("page"))

		var ids []int64
		var items []string
		err = s.Store.InTx(ctx, func(tx store.Tx) error {
			var err error
			if ids, err = coll.ids(tx, owner.ID); err != nil {
				return err
			}
			if page == 0 {
				return nil
			}
			start := min((page-1)*itemsPerPage, len(ids))
			end := min(start+itemsPerPage, len(ids))
			for _, id := range ids[start:end] {
				a, err := tx.ActorByID(id)
				if err != nil {
					return err
				}
				items = append(items, s.URIs.Fill(a).APID)
			}
			return nil
		})
		if err != nil {
			respondError(c, err)
			return
		}

		if page == 0 {
			renderActivity(c, http.StatusOK, gin.H{
				"@context":   "https://www.w3.org/ns/activitystreams",
				"id":         collURL,
				"type":       "OrderedCollection",
				"totalItems": len(ids),
				"first":      fmt.Sprintf("%s?page=1", collURL),
			})
			return
		}
		if items == nil {
			items = []string{}
		}
		collectionPage := gin.H{
			"@context":     "https://www.w3.org/ns/activitystreams",
			"id":           fmt.Sprintf("%s?page=%d", collURL, page),
			"type":         "OrderedCollectionPage",
			"partOf":       collURL,
			"totalItems":   len(ids),
			"orderedItems": items,
		}
		if page*itemsPerPage < len(ids) {
			collectionPage["next"] = fmt.Sprintf("%s?page=%d", collURL, page+1)
		}
		if page > 1 {
			collectionPage["prev"] = fmt.Sprintf("%s?page=%d", collURL, page-1)
		}
		renderActivity(c, http.StatusOK, collectionPage)
	}
}

// ParsePageParam extracts the page parameter from a query string
func ParsePageParam(pageStr string) int {
	if pageStr == "" {
		return 0
	}
	page, err := strconv.Atoi(pageStr)
	if err != nil || page < 0 {
		return 0
	}
	return page
}
