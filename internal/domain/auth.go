package domain

import (
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Actor — кто совершает действие на административной поверхности.
type Actor struct {
	ID            string   `json:"id"`
	OrgID         string   `json:"org_id"`
	AdminOfOrgs   []string `json:"admin_of_orgs,omitempty"`
	PlatformAdmin bool     `json:"platform_admin"`
}

func (a Actor) IsOrgAdmin(orgID string) bool {
	return orgID != "" && slices.Contains(a.AdminOfOrgs, orgID)
}

// CanManage — правило для cancel и решений по апрувам:
// владелец, админ организации владельца или админ платформы.
func (a Actor) CanManage(ownerID, orgID string) bool {
	return a.ID == ownerID || a.IsOrgAdmin(orgID) || a.PlatformAdmin
}

type CustomClaims struct {
	UserID        string   `json:"user_id"`
	OrgID         string   `json:"org_id"`
	AdminOfOrgs   []string `json:"admin_of_orgs,omitempty"`
	PlatformAdmin bool     `json:"platform_admin"`
	jwt.RegisteredClaims
}

func (c *CustomClaims) Actor() Actor {
	return Actor{ID: c.UserID, OrgID: c.OrgID, AdminOfOrgs: c.AdminOfOrgs, PlatformAdmin: c.PlatformAdmin}
}

// Secure Token Issuing
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
}

type User struct {
	ID            string    `json:"id"`
	Username      string    `json:"username"`
	PasswordHash  string    `json:"-"` // Никогда не отправляем на фронт
	OrgID         string    `json:"org_id"`
	AdminOfOrgs   []string  `json:"admin_of_orgs"`
	PlatformAdmin bool      `json:"platform_admin"`
	CreatedAt     time.Time `json:"created_at"`
}
