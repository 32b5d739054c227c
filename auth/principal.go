// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package auth

import "log"

// Identity is the raw per-request external identity delivered by an IdP
// (OIDC, SAML, or trusted proxy headers), before canonicalization into a
// Principal. It lives for the request and is immutable.
type Identity struct {
	ExternalID string
	Email      string
	Name       string
	UserID     string
	Roles      []string
	IdpGroups  []string
	OrgIDs     []string
	TeamIDs    []string
	ProjectIDs []string
	Scopes     []string
}

// MachineKind scopes a machine principal to the entity that owns its key.
type MachineKind int

const (
	// MachineUnknown is the fail-closed sentinel for malformed credential
	// scopes. It carries no scope and satisfies no scoped authorization
	// check.
	MachineUnknown MachineKind = iota
	MachineOrganization
	MachineTeam
	MachineProject
)

// Principal is the canonical authenticated actor. Exactly one of User,
// ServiceAccount, Machine is set.
type Principal struct {
	User           *UserPrincipal
	ServiceAccount *ServiceAccountPrincipal
	Machine        *MachinePrincipal
}

type UserPrincipal struct {
	UserID     string
	ExternalID string
	Email      string
	Name       string
	Roles      []string
	OrgIDs     []string
	TeamIDs    []string
	ProjectIDs []string
	Scopes     []string
}

type ServiceAccountPrincipal struct {
	ID    string
	OrgID string
	Roles []string
}

type MachinePrincipal struct {
	Kind      MachineKind
	OrgID     string
	TeamID    string
	ProjectID string
}

// AuthKind tags how the request authenticated.
type AuthKind int

const (
	AuthAPIKey AuthKind = iota
	AuthIdentity
	AuthBoth
)

// AuthenticatedRequest is the output of the credential middleware. Exactly
// one of the three shapes is populated according to Kind.
type AuthenticatedRequest struct {
	Kind     AuthKind
	APIKey   *APIKeyAuth
	Identity *Identity
}

// DerivePrincipal canonicalizes an authenticated request into a Principal.
//
// Precedence: a key bound to a service account with a known org always wins,
// even when an identity is also present. Identity-only requests become user
// principals. Key-only requests derive from the key's owner; a missing org on
// a team/project/service-account key degrades to Machine{Unknown}, which
// fails every scoped check.
func DerivePrincipal(ar AuthenticatedRequest) Principal {
	switch ar.Kind {
	case AuthIdentity:
		return principalFromIdentity(ar.Identity)
	case AuthBoth:
		if ar.APIKey.ServiceAccountID != "" && ar.APIKey.OrgID != "" {
			return serviceAccountPrincipal(ar.APIKey)
		}
		return mergedUserPrincipal(ar.Identity, ar.APIKey)
	default:
		return principalFromAPIKey(ar.APIKey)
	}
}

func principalFromAPIKey(key *APIKeyAuth) Principal {
	if key.ServiceAccountID != "" {
		if key.OrgID != "" {
			return serviceAccountPrincipal(key)
		}
		log.Printf("[AUTH] WARN: API key %s has service account %s but no org; deriving from owner",
			key.KeyID, key.ServiceAccountID)
	}

	switch key.OwnerType {
	case OwnerUser:
		return Principal{User: &UserPrincipal{
			UserID: key.UserID,
			Scopes: key.Scopes,
			Roles:  []string{},
		}}
	case OwnerOrganization:
		return Principal{Machine: &MachinePrincipal{Kind: MachineOrganization, OrgID: key.OrgID}}
	case OwnerTeam:
		if key.OrgID == "" {
			return unknownMachine(key, "team key without org")
		}
		return Principal{Machine: &MachinePrincipal{Kind: MachineTeam, OrgID: key.OrgID, TeamID: key.TeamID}}
	case OwnerProject:
		if key.OrgID == "" {
			return unknownMachine(key, "project key without org")
		}
		return Principal{Machine: &MachinePrincipal{Kind: MachineProject, OrgID: key.OrgID, ProjectID: key.ProjectID}}
	case OwnerServiceAccount:
		if key.OrgID == "" {
			return unknownMachine(key, "service account key without org")
		}
		return Principal{Machine: &MachinePrincipal{Kind: MachineOrganization, OrgID: key.OrgID}}
	default:
		return unknownMachine(key, "unrecognized owner type")
	}
}

func serviceAccountPrincipal(key *APIKeyAuth) Principal {
	roles := key.ServiceAccountRoles
	if roles == nil {
		roles = []string{}
	}
	return Principal{ServiceAccount: &ServiceAccountPrincipal{
		ID:    key.ServiceAccountID,
		OrgID: key.OrgID,
		Roles: roles,
	}}
}

func principalFromIdentity(id *Identity) Principal {
	return Principal{User: &UserPrincipal{
		UserID:     id.UserID,
		ExternalID: id.ExternalID,
		Email:      id.Email,
		Name:       id.Name,
		Roles:      id.Roles,
		OrgIDs:     id.OrgIDs,
		TeamIDs:    id.TeamIDs,
		ProjectIDs: id.ProjectIDs,
		Scopes:     id.Scopes,
	}}
}

// mergedUserPrincipal handles the Both case without a service account: the
// identity dominates, with the key filling in gaps (empty scope lists fall
// back to the key's, a missing user id falls back to the key's).
func mergedUserPrincipal(id *Identity, key *APIKeyAuth) Principal {
	p := principalFromIdentity(id)
	if len(p.User.Scopes) == 0 {
		p.User.Scopes = key.Scopes
	}
	if p.User.UserID == "" {
		p.User.UserID = key.UserID
	}
	return p
}

func unknownMachine(key *APIKeyAuth, reason string) Principal {
	log.Printf("[AUTH] WARN: API key %s derived Machine{Unknown}: %s", key.KeyID, reason)
	return Principal{Machine: &MachinePrincipal{Kind: MachineUnknown}}
}
