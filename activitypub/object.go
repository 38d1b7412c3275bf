package activitypub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/deemkeen/fedgraph/domain"
)

const (
	ContentType      = "application/activity+json"
	PublicCollection = "https://www.w3.org/ns/activitystreams#Public"
	contextURI       = "https://www.w3.org/ns/activitystreams"
	userAgent        = "fedgraph/1.0 ActivityPub"
)

// Link references another object, either by bare URI or embedded.
type Link struct {
	ID       string
	Embedded *Object
}

func LinkTo(uri string) *Link { return &Link{ID: uri} }

func Embed(o *Object) *Link { return &Link{ID: o.ID, Embedded: o} }

func (l *Link) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		return nil
	case b[0] == '"':
		return json.Unmarshal(b, &l.ID)
	case b[0] == '{':
		var o Object
		if err := json.Unmarshal(b, &o); err != nil {
			return err
		}
		l.ID = o.ID
		l.Embedded = &o
		return nil
	case b[0] == '[':
		// some servers wrap single references in an array
		var ls []Link
		if err := json.Unmarshal(b, &ls); err != nil {
			return err
		}
		if len(ls) > 0 {
			*l = ls[0]
		}
		return nil
	}
	return fmt.Errorf("unsupported link value %s", b)
}

func (l Link) MarshalJSON() ([]byte, error) {
	if l.Embedded != nil {
		return json.Marshal(l.Embedded)
	}
	return json.Marshal(l.ID)
}

// URI returns the referenced id, or "" for a nil link.
func (l *Link) URI() string {
	if l == nil {
		return ""
	}
	return l.ID
}

// Links decodes either a single link or an array of them.
type Links []Link

func (ls *Links) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var many []Link
		if err := json.Unmarshal(b, &many); err != nil {
			return err
		}
		*ls = many
		return nil
	}
	var one Link
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	if one.ID != "" || one.Embedded != nil {
		*ls = Links{one}
	}
	return nil
}

func (ls Links) URIs() []string {
	out := make([]string, 0, len(ls))
	for _, l := range ls {
		if l.ID != "" {
			out = append(out, l.ID)
		}
	}
	return out
}

type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// Object is the subset of ActivityStreams the engine reads and writes. It
// covers activities, actors and notes in one flat struct.
type Object struct {
	Context      any        `json:"@context,omitempty"`
	ID           string     `json:"id,omitempty"`
	Type         string     `json:"type"`
	Actor        *Link      `json:"actor,omitempty"`
	Object       *Link      `json:"object,omitempty"`
	Target       *Link      `json:"target,omitempty"`
	To           Links      `json:"to,omitempty"`
	Cc           Links      `json:"cc,omitempty"`
	AttributedTo *Link      `json:"attributedTo,omitempty"`
	InReplyTo    *Link      `json:"inReplyTo,omitempty"`
	Content      string     `json:"content,omitempty"`
	Published    *time.Time `json:"published,omitempty"`

	PreferredUsername string     `json:"preferredUsername,omitempty"`
	Name              string     `json:"name,omitempty"`
	Summary           string     `json:"summary,omitempty"`
	Inbox             string     `json:"inbox,omitempty"`
	Outbox            string     `json:"outbox,omitempty"`
	Followers         string     `json:"followers,omitempty"`
	Endpoints         *Endpoints `json:"endpoints,omitempty"`
	PublicKey         *PublicKey `json:"publicKey,omitempty"`
	Wall              string     `json:"wall,omitempty"`
	WallComments      string     `json:"wallComments,omitempty"`
	AccessType        string     `json:"accessType,omitempty"`
	IsEvent           bool       `json:"isEvent,omitempty"`
}

var activityTypes = map[string]bool{
	"Follow": true, "Accept": true, "Reject": true, "Undo": true, "Offer": true,
	"Invite": true, "Add": true, "Remove": true, "Create": true, "Update": true,
	"Delete": true, "Block": true, "Like": true, "Announce": true, "Join": true,
	"Leave": true, "TentativeAccept": true,
}

func IsActivityType(t string) bool { return activityTypes[t] }

// Nested returns the embedded activity this activity wraps, if any.
func (o *Object) Nested() *Object {
	if o.Object == nil || o.Object.Embedded == nil {
		return nil
	}
	if IsActivityType(o.Object.Embedded.Type) {
		return o.Object.Embedded
	}
	return nil
}

// NativeType maps an ActivityStreams type to the native object type it
// converts to. Unknown types map to "".
func NativeType(o *Object) domain.ObjectType {
	switch o.Type {
	case "Person", "Service", "Application":
		return domain.TypeUser
	case "Group", "Organization":
		return domain.TypeGroup
	case "Note", "Article", "Page":
		if o.InReplyTo != nil && o.InReplyTo.ID != "" {
			return domain.TypeComment
		}
		return domain.TypePost
	}
	return domain.TypeAny
}

// AddressedTo reports whether uri is among the to/cc recipients.
func (o *Object) AddressedTo(uri string) bool {
	for _, l := range append(append(Links{}, o.To...), o.Cc...) {
		if strings.EqualFold(l.ID, uri) {
			return true
		}
	}
	return false
}

// Marshal encodes o with the ActivityStreams context.
func Marshal(o *Object) ([]byte, error) {
	if o.Context == nil {
		o.Context = contextURI
	}
	return json.Marshal(o)
}

// Decode parses a JSON document into an Object.
func Decode(b []byte) (*Object, error) {
	var o Object
	if err := json.Unmarshal(b, &o); err != nil {
		return nil, fmt.Errorf("decode activity: %w", err)
	}
	if o.Type == "" {
		return nil, fmt.Errorf("decode activity: missing type")
	}
	return &o, nil
}
