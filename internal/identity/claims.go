package identity

// Claim types carried in issued tokens. The organization claim types match
// what downstream IFMIS services already consume, including the legacy M_1
// type for the organization database name.
const (
	ClaimSubject      = "sub"
	ClaimUsername     = "username"
	ClaimEmail        = "email"
	ClaimGlobalUserID = "GlobalUserId"
	ClaimOrgDatabase  = "M_1"
	ClaimOrgURL       = "OrgUrl"
	ClaimOrgName      = "OrgName"
	ClaimOrgID        = "OrgId"
	ClaimAudience     = "aud"
	ClaimRole         = "role"
)

// Claim destinations: every assembled claim propagates into both tokens.
const (
	DestinationAccessToken   = "access_token"
	DestinationIdentityToken = "id_token"
)

// GrantScopes is the fixed scope set attached to every password grant.
var GrantScopes = []string{"openid", "profile", "email", "roles"}

// AssembleClaims builds the full claim set for an authenticated user.
//
// The subject, username, email and global user id claims are always present;
// a missing email becomes an empty string, never null. Organization claims
// are emitted only when the organization resolved — they are omitted
// entirely otherwise, not emitted empty. One audience claim is added per
// configured audience and one role claim per distinct role name. The result
// is deterministic for identical inputs.
func AssembleClaims(user *User, org *Organization, roles []Role, audiences []string) []Claim {
	dests := []string{DestinationAccessToken, DestinationIdentityToken}

	claims := []Claim{
		{Type: ClaimSubject, Value: user.ID, Destinations: dests},
		{Type: ClaimUsername, Value: user.Username, Destinations: dests},
		{Type: ClaimEmail, Value: user.Email, Destinations: dests},
		{Type: ClaimGlobalUserID, Value: user.GlobalUserID, Destinations: dests},
	}

	if org != nil {
		claims = append(claims,
			Claim{Type: ClaimOrgDatabase, Value: org.DatabaseName, Destinations: dests},
			Claim{Type: ClaimOrgURL, Value: org.OrgURL, Destinations: dests},
			Claim{Type: ClaimOrgName, Value: org.Name, Destinations: dests},
			Claim{Type: ClaimOrgID, Value: org.ID, Destinations: dests},
		)
	}

	for _, aud := range audiences {
		claims = append(claims, Claim{Type: ClaimAudience, Value: aud, Destinations: dests})
	}

	seen := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		if _, ok := seen[role.Name]; ok {
			continue
		}
		seen[role.Name] = struct{}{}
		claims = append(claims, Claim{Type: ClaimRole, Value: role.Name, Destinations: dests})
	}

	return claims
}
