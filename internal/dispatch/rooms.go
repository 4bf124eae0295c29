// Package dispatch routes commands to the dashboard, desktop controller and
// browser agent connections of each user.
package dispatch

import (
	"errors"
	"fmt"
)

type Role string

const (
	RoleDashboard Role = "dashboard"
	RoleDesktop   Role = "desktop"
	RoleAgent     Role = "agent"
)

func (r Role) Valid() bool {
	switch r {
	case RoleDashboard, RoleDesktop, RoleAgent:
		return true
	}
	return false
}

// Registration is the first frame a client sends.
type Registration struct {
	OrganizationID string `json:"organization_id"`
	UserID         string `json:"user_id"`
	Role           Role   `json:"role"`
	ProfileID      string `json:"profile_id,omitempty"`
}

func (r Registration) Validate() error {
	if r.OrganizationID == "" || r.UserID == "" {
		return errors.New("registration requires organization_id and user_id")
	}
	if !r.Role.Valid() {
		return fmt.Errorf("unknown role %q", r.Role)
	}
	return nil
}

// Rooms lists every room the registration joins.
func (r Registration) Rooms() []string {
	rooms := []string{
		OrgRoom(r.OrganizationID),
		OrgRoleRoom(r.OrganizationID, r.Role),
		UserRoom(r.UserID, r.Role),
	}
	if r.Role == RoleAgent && r.ProfileID != "" {
		rooms = append(rooms, AgentProfileRoom(r.UserID, r.ProfileID))
	}
	return rooms
}

func OrgRoom(orgID string) string { return "org:" + orgID }

func OrgRoleRoom(orgID string, role Role) string { return "org:" + orgID + ":" + string(role) }

func UserRoom(userID string, role Role) string { return "user:" + userID + ":" + string(role) }

func AgentProfileRoom(userID, profileID string) string {
	return "user:" + userID + ":agent:" + profileID
}
