package models

import "time"

// Role is the closed set of account roles. Capability checks go through
// the methods below instead of comparing raw values at call sites.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleProfessor Role = "profesor"
	RoleStudent   Role = "estudiante"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleProfessor, RoleStudent:
		return true
	}
	return false
}

// CanReviewRequests reports whether the role may accept or reject
// access requests.
func (r Role) CanReviewRequests() bool {
	return r == RoleAdmin
}

// CanManageCourses reports whether the role may administer courses.
func (r Role) CanManageCourses() bool {
	return r == RoleAdmin || r == RoleProfessor
}

// User represents an account. Accounts are created and authenticated by
// the external auth service; this backend only reads them.
type User struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Name      string    `json:"nombre" gorm:"column:nombre;not null"`
	LastName  string    `json:"apellido" gorm:"column:apellido"`
	Email     string    `json:"email" gorm:"uniqueIndex;not null"`
	Role      Role      `json:"rol" gorm:"column:rol;type:varchar(16);not null;default:'estudiante';index"`
	CreatedAt time.Time `json:"created_at"`
}

func (User) TableName() string { return "usuarios" }

// FullName returns the display name used in notification emails.
func (u *User) FullName() string {
	if u.LastName == "" {
		return u.Name
	}
	return u.Name + " " + u.LastName
}
