package handler

import (
	"strings"

	"opsgate/internal/authz/models"
	id "opsgate/pkg/domain"
	dErrors "opsgate/pkg/domain-errors"
)

// ImpersonateRequest is the body of POST /impersonation/start.
type ImpersonateRequest struct {
	UserID string `json:"user_id"`
}

func (r ImpersonateRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return dErrors.New(dErrors.CodeBadRequest, "user_id required")
	}
	if _, err := id.ParseUserID(r.UserID); err != nil {
		return dErrors.New(dErrors.CodeBadRequest, "user_id must be a UUID")
	}
	return nil
}

// ParsedUserID returns the target user ID. Call after Validate.
func (r ImpersonateRequest) ParsedUserID() id.UserID {
	userID, _ := id.ParseUserID(r.UserID)
	return userID
}

// AssignRoleRequest is the body of POST /admin/users/{userID}/roles.
type AssignRoleRequest struct {
	Role string `json:"role"`
}

func (r AssignRoleRequest) Validate() error {
	if !models.Role(r.Role).Valid() {
		return dErrors.New(dErrors.CodeBadRequest, "unknown role")
	}
	return nil
}

// GrantRequest is the body of PUT /admin/users/{userID}/permissions/{module}.
type GrantRequest struct {
	CanView   bool `json:"can_view"`
	CanCreate bool `json:"can_create"`
	CanEdit   bool `json:"can_edit"`
	CanDelete bool `json:"can_delete"`
}
