package rbac

type Role string
type Action string

const (
	RoleCitizen  Role = "citizen"
	RoleReviewer Role = "reviewer"
	RoleDirector Role = "director"
	RoleAdmin    Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionSubmit  Action = "submit"
	ActionReview  Action = "review"
	ActionApprove Action = "approve"
	ActionAdmin   Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleDirector:
		return action == ActionRead || action == ActionReview || action == ActionApprove
	case RoleReviewer:
		return action == ActionRead || action == ActionReview
	case RoleCitizen:
		return action == ActionRead || action == ActionSubmit
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleCitizen, RoleReviewer, RoleDirector, RoleAdmin:
		return Role(role)
	default:
		return RoleCitizen
	}
}
