package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskboard/internal/domain"
)

func strPtr(s string) *string { return &s }

func TestMayTransition(t *testing.T) {
	cases := []struct {
		name     string
		role     domain.Role
		actor    string
		assignee *string
		creator  string
		want     bool
	}{
		{"admin any task", domain.RoleAdmin, "a1", strPtr("u9"), "u8", true},
		{"member assignee", domain.RoleMember, "u2", strPtr("u2"), "u1", true},
		{"member creator", domain.RoleMember, "u1", strPtr("u2"), "u1", true},
		{"member creator unassigned", domain.RoleMember, "u1", nil, "u1", true},
		{"member unrelated", domain.RoleMember, "u3", strPtr("u2"), "u1", false},
		{"member unassigned unrelated", domain.RoleMember, "u3", nil, "u1", false},
		{"empty actor", domain.RoleMember, "", nil, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, MayTransition(tc.role, tc.actor, tc.assignee, tc.creator))
		})
	}
}

func TestForMatchesRole(t *testing.T) {
	admin, err := For(domain.Actor{ID: "a1", OrganizationID: "o1", Role: domain.RoleAdmin})
	require.NoError(t, err)
	clause, args := admin.Predicate()
	assert.Empty(t, clause)
	assert.Empty(t, args)
	assert.True(t, admin.CanDelete())
	assert.True(t, admin.CanModify(domain.Task{CreatedBy: "x"}))

	member, err := For(domain.Actor{ID: "u2", OrganizationID: "o1", Role: domain.RoleMember})
	require.NoError(t, err)
	clause, args = member.Predicate()
	require.NotEmpty(t, clause)
	assert.Equal(t, []any{"u2", "u2"}, args)
	assert.False(t, member.CanDelete())
	assert.True(t, member.CanModify(domain.Task{CreatedBy: "u1", AssigneeID: strPtr("u2")}))
	assert.False(t, member.CanModify(domain.Task{CreatedBy: "u1"}))
}

func TestUnknownRoleRejected(t *testing.T) {
	_, err := For(domain.Actor{ID: "u1", Role: "owner"})
	var fe ForbiddenError
	require.ErrorAs(t, err, &fe)

	_, err = For(domain.Actor{Role: domain.RoleMember})
	require.ErrorAs(t, err, &fe)
}

func TestForbiddenErrorMessage(t *testing.T) {
	assert.Equal(t, "not allowed to delete task", ForbiddenError{Action: "delete task"}.Error())
	assert.Equal(t, "forbidden", ForbiddenError{}.Error())
}
