package rbac

type Role string
type Action string

const (
	RolePlayer    Role = "player"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead         Action = "read"
	ActionArchive      Action = "archive"
	ActionUnarchive    Action = "unarchive"
	ActionSubmitClaims Action = "submit_claims"
	ActionReviewClaims Action = "review_claims"
	ActionAdmin        Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleModerator:
		return action != ActionAdmin
	case RolePlayer:
		return action == ActionRead || action == ActionArchive || action == ActionSubmitClaims
	default:
		return false
	}
}

// Moderator reports whether the role carries moderation capability.
func Moderator(role Role) bool {
	return role == RoleModerator || role == RoleAdmin
}

func Normalize(role string) Role {
	switch Role(role) {
	case RolePlayer, RoleModerator, RoleAdmin:
		return Role(role)
	default:
		return RolePlayer
	}
}
