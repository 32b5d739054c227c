// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package auth

// Subject is the flattened authorization view of a Principal, the shape the
// policy engine evaluates rule predicates against.
type Subject struct {
	UserID           string   `expr:"user_id"`
	ExternalID       string   `expr:"external_id"`
	Email            string   `expr:"email"`
	Roles            []string `expr:"roles"`
	OrgIDs           []string `expr:"org_ids"`
	TeamIDs          []string `expr:"team_ids"`
	ProjectIDs       []string `expr:"project_ids"`
	ServiceAccountID string   `expr:"service_account_id"`
}

// NewSubject returns an empty subject, which satisfies no scoped rule.
func NewSubject() Subject {
	return Subject{
		Roles:      []string{},
		OrgIDs:     []string{},
		TeamIDs:    []string{},
		ProjectIDs: []string{},
	}
}

// ToSubject flattens a principal. Machine{Unknown} maps to the empty
// subject: every scoped authorization check fails closed.
func (p Principal) ToSubject() Subject {
	switch {
	case p.User != nil:
		s := NewSubject()
		s.UserID = p.User.UserID
		s.ExternalID = p.User.ExternalID
		s.Email = p.User.Email
		if len(p.User.Roles) > 0 {
			s.Roles = p.User.Roles
		}
		if len(p.User.OrgIDs) > 0 {
			s.OrgIDs = p.User.OrgIDs
		}
		if len(p.User.TeamIDs) > 0 {
			s.TeamIDs = p.User.TeamIDs
		}
		if len(p.User.ProjectIDs) > 0 {
			s.ProjectIDs = p.User.ProjectIDs
		}
		return s
	case p.ServiceAccount != nil:
		s := NewSubject()
		s.ServiceAccountID = p.ServiceAccount.ID
		s.OrgIDs = []string{p.ServiceAccount.OrgID}
		if len(p.ServiceAccount.Roles) > 0 {
			s.Roles = p.ServiceAccount.Roles
		}
		return s
	case p.Machine != nil:
		s := NewSubject()
		switch p.Machine.Kind {
		case MachineOrganization:
			s.OrgIDs = []string{p.Machine.OrgID}
		case MachineTeam:
			s.OrgIDs = []string{p.Machine.OrgID}
			s.TeamIDs = []string{p.Machine.TeamID}
		case MachineProject:
			s.OrgIDs = []string{p.Machine.OrgID}
			s.ProjectIDs = []string{p.Machine.ProjectID}
		}
		return s
	default:
		return NewSubject()
	}
}
