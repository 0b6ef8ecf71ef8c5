package models

// RoleAuthority may read every job and manage alerts and device keys.
const RoleAuthority = "authority"

// RoleDevice is carried by field sensors authenticated with an API key.
const RoleDevice = "device"

// AnonymousOwner owns jobs submitted without a token.
const AnonymousOwner = "anonymous"

// Principal is the authenticated caller of a request.
type Principal struct {
	Subject string `json:"sub"`
	Role    string `json:"role"`
}

func (p Principal) IsAuthority() bool {
	return p.Role == RoleAuthority
}

// CanView reports whether p may read a resource owned by owner.
func (p Principal) CanView(owner string) bool {
	return p.IsAuthority() || (p.Subject != "" && p.Subject == owner)
}

// Anonymous is the principal of a request that presented no token.
func Anonymous() Principal {
	return Principal{Subject: AnonymousOwner}
}
