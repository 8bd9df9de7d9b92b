package domain

type Role string

const (
	RoleClient    Role = "client"
	RoleTherapist Role = "therapist"
	RoleAdmin     Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleClient || r == RoleTherapist || r == RoleAdmin
}

// Actor is the authenticated caller, as asserted by the auth gateway in front of the service.
type Actor struct {
	ID   string
	Role Role
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// Is reports whether the actor is the user id acting in role, or an admin.
func (a Actor) Is(role Role, userID string) bool {
	if a.IsAdmin() {
		return true
	}
	return a.ID != "" && a.Role == role && a.ID == userID
}

// CanAccessBooking holds for the booking's client, its therapist, and admins.
func (a Actor) CanAccessBooking(b Booking) bool {
	return a.Is(RoleClient, b.ClientID) || a.Is(RoleTherapist, b.TherapistID)
}
