package activitypub

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/deemkeen/fedgraph/domain"
	"github.com/deemkeen/fedgraph/obfuscate"
	"github.com/google/uuid"
)

// LocalURIs builds and parses the URIs of objects hosted here. Posts and
// comments are exposed under obfuscated ids; actors under their plain ids.
type LocalURIs struct {
	base *url.URL
	ids  *obfuscate.Obfuscator
}

func NewLocalURIs(baseURL string, ids *obfuscate.Obfuscator) (*LocalURIs, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q must have scheme and host", baseURL)
	}
	return &LocalURIs{base: u, ids: ids}, nil
}

func (u *LocalURIs) Base() string { return u.base.String() }

func (u *LocalURIs) Host() string { return u.base.Host }

func (u *LocalURIs) path(p string) string {
	return u.base.String() + p
}

// IsLocal compares the host (and port) of uri with ours, ignoring case.
func (u *LocalURIs) IsLocal(uri string) bool {
	parsed, err := url.Parse(uri)
	if err != nil {
		return false
	}
	return strings.EqualFold(parsed.Host, u.base.Host)
}

func (u *LocalURIs) actorPath(a *domain.Actor) string {
	if a.Kind == domain.KindGroup {
		return "/groups/" + strconv.FormatInt(a.ID, 10)
	}
	return "/users/" + strconv.FormatInt(a.ID, 10)
}

func (u *LocalURIs) Actor(a *domain.Actor) string { return u.path(u.actorPath(a)) }

func (u *LocalURIs) KeyID(a *domain.Actor) string { return u.Actor(a) + "#main-key" }

func (u *LocalURIs) SharedInbox() string { return u.path("/inbox") }

// ServiceActor is the instance actor that signs outbound fetches.
func (u *LocalURIs) ServiceActor() string { return u.path("/actor") }

func (u *LocalURIs) NewActivityID() string {
	return u.path("/activities/" + uuid.New().String())
}

// Fill sets the federation URIs of a local actor from its id.
func (u *LocalURIs) Fill(a *domain.Actor) *domain.Actor {
	if !a.Local {
		return a
	}
	base := u.Actor(a)
	a.APID = base
	a.Domain = u.base.Host
	a.InboxURI = base + "/inbox"
	a.SharedInbox = u.SharedInbox()
	a.OutboxURI = base + "/outbox"
	a.FollowersURI = base + "/followers"
	a.WallURI = base + "/wall"
	a.WallCommentsURI = base + "/wall/comments"
	return a
}

func (u *LocalURIs) Post(p *domain.Post) (string, error) {
	typ := p.ObjectType()
	token, err := u.ids.Obfuscate(p.ID, typ)
	if err != nil {
		return "", err
	}
	if typ == domain.TypeComment {
		return u.path("/comments/" + token), nil
	}
	return u.path("/posts/" + token), nil
}

// Parse maps a local URI to the type and id of the object it names.
// Collection suffixes (inbox, followers, wall) resolve to the owning actor.
func (u *LocalURIs) Parse(uri string) (domain.ObjectType, int64, error) {
	parsed, err := url.Parse(uri)
	if err != nil || !strings.EqualFold(parsed.Host, u.base.Host) {
		return "", 0, domain.NewError(domain.ReasonNotFound, "%s is not a local uri", uri)
	}
	parts := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(parts) < 2 {
		return "", 0, domain.NewError(domain.ReasonNotFound, "unknown local uri %s", uri)
	}
	switch parts[0] {
	case "users", "groups":
		id, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return "", 0, domain.NewError(domain.ReasonNotFound, "bad actor id in %s", uri)
		}
		if parts[0] == "groups" {
			return domain.TypeGroup, id, nil
		}
		return domain.TypeUser, id, nil
	case "posts":
		id, err := u.ids.Deobfuscate(parts[1], domain.TypePost)
		return domain.TypePost, id, err
	case "comments":
		id, err := u.ids.Deobfuscate(parts[1], domain.TypeComment)
		return domain.TypeComment, id, err
	}
	return "", 0, domain.NewError(domain.ReasonNotFound, "unknown local uri %s", uri)
}

// IsWall reports whether collection is the wall or the wall comments
// collection of actor.
func IsWall(actor *domain.Actor, collection string) bool {
	return collection != "" && (collection == actor.WallURI || collection == actor.WallCommentsURI)
}
