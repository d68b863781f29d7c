package botspot

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/maxbolgarin/errm"
	"github.com/maxbolgarin/lang"
	tele "gopkg.in/telebot.v4"
)

// UserRef identifies a user by one of ID, username or phone number.
// It is the parsed form of one entry of the admins/friends lists.
type UserRef struct {
	ID       int64
	Username string
	Phone    string
}

// ParseUserRef parses a single reference: a numeric ID, a "+"-prefixed phone
// or a username with an optional "@".
func ParseUserRef(s string) UserRef {
	s = strings.TrimSpace(s)
	if s == "" {
		return UserRef{}
	}
	if strings.HasPrefix(s, "+") {
		return UserRef{Phone: s}
	}
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return UserRef{ID: id}
	}
	return UserRef{Username: strings.ToLower(strings.TrimPrefix(s, "@"))}
}

// ParseUserRefs parses a comma-separated list of references.
func ParseUserRefs(s string) []UserRef {
	var out []UserRef
	for _, part := range strings.Split(s, ",") {
		ref := ParseUserRef(part)
		if ref == (UserRef{}) {
			continue
		}
		out = append(out, ref)
	}
	return out
}

// IsEmpty reports whether the reference identifies nobody.
func (r UserRef) IsEmpty() bool {
	return r == UserRef{}
}

// Matches reports whether the reference identifies the given user.
// Usernames are compared case-insensitively without the "@".
func (r UserRef) Matches(userID int64, username, phone string) bool {
	if r.ID != 0 && r.ID == userID {
		return true
	}
	if r.Username != "" && username != "" &&
		r.Username == strings.ToLower(strings.TrimPrefix(username, "@")) {
		return true
	}
	if r.Phone != "" && phone != "" && r.Phone == phone {
		return true
	}
	return false
}

func (r UserRef) String() string {
	switch {
	case r.ID != 0:
		return strconv.FormatInt(r.ID, 10)
	case r.Username != "":
		return "@" + r.Username
	case r.Phone != "":
		return r.Phone
	}
	return ""
}

// Role is a resolved access level.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleFriend  Role = "friend"
	RoleRegular Role = "regular"
)

type accessRecord struct {
	Ref  string `bson:"ref"`
	Role Role   `bson:"role"`
}

// AccessControl resolves user roles. Lists are seeded from settings and can
// be extended at runtime; runtime changes persist when a collection is
// configured.
type AccessControl struct {
	log  Logger
	coll *Collection

	mu      sync.RWMutex
	admins  []UserRef
	friends []UserRef
}

func newAccessControl(ctx context.Context, db *MongoDB, log Logger, cfg AccessSettings) (*AccessControl, error) {
	ac := &AccessControl{
		log:     log,
		admins:  ParseUserRefs(cfg.AdminsStr),
		friends: ParseUserRefs(cfg.FriendsStr),
	}

	if cfg.MongoCollection != "" && db != nil {
		ac.coll = db.GetCollection(cfg.MongoCollection)
		if err := ac.loadStored(ctx); err != nil {
			return nil, errm.Wrap(err, "load access lists")
		}
	}

	log.Info("access control ready", "admins", len(ac.admins), "friends", len(ac.friends))
	return ac, nil
}

func (a *AccessControl) loadStored(ctx context.Context) error {
	var records []accessRecord
	if err := a.coll.FindAll(ctx, &records); err != nil && !errm.Is(err, ErrNotFound) {
		return err
	}
	for _, r := range records {
		ref := ParseUserRef(r.Ref)
		if ref.IsEmpty() {
			continue
		}
		switch r.Role {
		case RoleAdmin:
			a.admins = append(a.admins, ref)
		case RoleFriend:
			a.friends = append(a.friends, ref)
		}
	}
	return nil
}

// IsAdmin reports whether the user is in the admin list.
func (a *AccessControl) IsAdmin(userID int64, username string, phone ...string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return matchAny(a.admins, userID, username, lang.First(phone))
}

// IsFriend reports whether the user is in the friend list.
// Admins are friends too.
func (a *AccessControl) IsFriend(userID int64, username string, phone ...string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return matchAny(a.admins, userID, username, lang.First(phone)) ||
		matchAny(a.friends, userID, username, lang.First(phone))
}

// RoleOf resolves the user's role.
func (a *AccessControl) RoleOf(userID int64, username string) Role {
	switch {
	case a.IsAdmin(userID, username):
		return RoleAdmin
	case a.IsFriend(userID, username):
		return RoleFriend
	default:
		return RoleRegular
	}
}

// RoleOfSender resolves the role of an update's sender.
func (a *AccessControl) RoleOfSender(u *tele.User) Role {
	if u == nil {
		return RoleRegular
	}
	return a.RoleOf(u.ID, u.Username)
}

// AddFriend adds a friend reference at runtime and persists it when a
// collection is configured.
func (a *AccessControl) AddFriend(ctx context.Context, ref string) error {
	parsed := ParseUserRef(ref)
	if parsed.IsEmpty() {
		return ErrInvalidArgument.New("empty user reference")
	}

	a.mu.Lock()
	a.friends = append(a.friends, parsed)
	a.mu.Unlock()

	if a.coll != nil {
		record := accessRecord{Ref: parsed.String(), Role: RoleFriend}
		if err := a.coll.Replace(ctx, record, NewFilter("ref", record.Ref)); err != nil {
			return errm.Wrap(err, "persist friend")
		}
	}

	a.log.Info("friend added", "ref", parsed.String())
	return nil
}

// RemoveFriend removes a friend reference.
func (a *AccessControl) RemoveFriend(ctx context.Context, ref string) error {
	parsed := ParseUserRef(ref)
	if parsed.IsEmpty() {
		return ErrInvalidArgument.New("empty user reference")
	}

	a.mu.Lock()
	kept := a.friends[:0]
	for _, f := range a.friends {
		if f != parsed {
			kept = append(kept, f)
		}
	}
	a.friends = kept
	a.mu.Unlock()

	if a.coll != nil {
		if err := a.coll.Delete(ctx, NewFilter("ref", parsed.String())); err != nil {
			return errm.Wrap(err, "delete friend")
		}
	}

	a.log.Info("friend removed", "ref", parsed.String())
	return nil
}

// Friends returns the current friend references.
func (a *AccessControl) Friends() []UserRef {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]UserRef, len(a.friends))
	copy(out, a.friends)
	return out
}

// Admins returns the current admin references.
func (a *AccessControl) Admins() []UserRef {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]UserRef, len(a.admins))
	copy(out, a.admins)
	return out
}

func matchAny(refs []UserRef, userID int64, username, phone string) bool {
	for _, r := range refs {
		if r.Matches(userID, username, phone) {
			return true
		}
	}
	return false
}
