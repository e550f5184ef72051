// forum/models.go
package forum

import (
	"fmt"
	"time"
)

// Sentinel accounts. They are inserted by the schema script and never created
// by end users.
const (
	SystemUserID     = "00000000-0000-0000-0000-000000000000"
	AnonymousUserID  = "00000000-0000-0000-0000-000000000001"
	DeletedUserID    = "00000000-0000-0000-0000-000000000002"
	MysteriousUserID = "00000000-0000-0000-0000-000000000003"
)

const (
	anonymousUserName  = "Anonymous"
	deletedUserName    = "Deleted user"
	mysteriousUserName = "Mysterious user"
)

type UserRole string

const (
	RoleAdmin     UserRole = "admin"
	RoleMember    UserRole = "member"
	RoleGhost     UserRole = "ghost"
	RoleAnonymous UserRole = "anonymous"
)

func ParseUserRole(s string) (UserRole, error) {
	switch r := UserRole(s); r {
	case RoleAdmin, RoleMember, RoleGhost, RoleAnonymous:
		return r, nil
	}
	return "", fmt.Errorf("unknown user role %q", s)
}

type TeamRole string

const (
	TeamRoleOwner  TeamRole = "owner"
	TeamRoleMember TeamRole = "member"
)

func ParseTeamRole(s string) (TeamRole, error) {
	switch r := TeamRole(s); r {
	case TeamRoleOwner, TeamRoleMember:
		return r, nil
	}
	return "", fmt.Errorf("unknown team role %q", s)
}

type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
)

// ActivityType is the action kind recorded in the activity log.
type ActivityType string

const (
	ActivitySignUp           ActivityType = "SIGN_UP"
	ActivitySignIn           ActivityType = "SIGN_IN"
	ActivitySignOut          ActivityType = "SIGN_OUT"
	ActivityUpdatePassword   ActivityType = "UPDATE_PASSWORD"
	ActivityDeleteAccount    ActivityType = "DELETE_ACCOUNT"
	ActivityUpdateAccount    ActivityType = "UPDATE_ACCOUNT"
	ActivityCreateTeam       ActivityType = "CREATE_TEAM"
	ActivityRemoveTeamMember ActivityType = "REMOVE_TEAM_MEMBER"
	ActivityInviteTeamMember ActivityType = "INVITE_TEAM_MEMBER"
	ActivityAcceptInvitation ActivityType = "ACCEPT_INVITATION"
)

func ParseActivityType(s string) (ActivityType, error) {
	switch a := ActivityType(s); a {
	case ActivitySignUp, ActivitySignIn, ActivitySignOut, ActivityUpdatePassword,
		ActivityDeleteAccount, ActivityUpdateAccount, ActivityCreateTeam,
		ActivityRemoveTeamMember, ActivityInviteTeamMember, ActivityAcceptInvitation:
		return a, nil
	}
	return "", fmt.Errorf("unknown activity type %q", s)
}

// Post is a stored post row. AuthorID is never serialized; viewers see the
// resolved Author of a PostView instead.
type Post struct {
	ID          string    `json:"id"`
	AuthorID    string    `json:"-"`
	Content     string    `json:"content"`
	IsAnonymous bool      `json:"isAnonymous"`
	ParentID    *string   `json:"parentId"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// NewPost is the input of CreatePost.
type NewPost struct {
	AuthorID    string
	Content     string
	IsAnonymous bool
	ParentID    *string
}

// Author is the identity displayed next to a post.
type Author struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PostView is a post annotated relative to the viewer.
type PostView struct {
	Post
	Author             Author `json:"author"`
	LikeCount          int64  `json:"likeCount"`
	IsLikedByUser      bool   `json:"isLikedByUser"`
	IsBookmarkedByUser bool   `json:"isBookmarkedByUser"`
	RepliesCount       int64  `json:"repliesCount"`
	IsAuthor           bool   `json:"isAuthor"`
}

// PostPage is a page of posts plus the size of the whole result set.
type PostPage struct {
	Items      []PostView `json:"items"`
	TotalCount int64      `json:"totalCount"`
}

// LikeState is the result of a like toggle.
type LikeState struct {
	Liked     bool  `json:"liked"`
	LikeCount int64 `json:"likeCount"`
}

type Team struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
	Members   []TeamMember `json:"teamMembers,omitempty"`
}

type TeamMember struct {
	ID       string    `json:"id"`
	UserID   string    `json:"userId"`
	TeamID   string    `json:"teamId"`
	Role     TeamRole  `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
	User     *Member   `json:"user,omitempty"`
}

// Member is the public slice of a user listed in a team.
type Member struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type Invitation struct {
	ID        string           `json:"id"`
	TeamID    string           `json:"teamId"`
	Email     string           `json:"email"`
	Role      TeamRole         `json:"role"`
	InvitedBy string           `json:"invitedBy"`
	InvitedAt time.Time        `json:"invitedAt"`
	Status    InvitationStatus `json:"status"`
}

type ActivityLog struct {
	ID        string       `json:"id"`
	Action    ActivityType `json:"action"`
	Timestamp time.Time    `json:"timestamp"`
	IPAddress string       `json:"ipAddress"`
	UserName  string       `json:"userName"`
}
