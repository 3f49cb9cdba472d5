package auth

import "testing"

type fakeStore struct{ users map[string]bool }

func (f *fakeStore) HasUser(u string) bool { return f.users[u] }

func TestResolveRole_Precedence(t *testing.T) {
	store := &fakeStore{users: map[string]bool{"viewer1": true}}
	admins := []string{"root"}
	operators := []string{"ops1"}

	cases := []struct {
		user string
		want string
	}{
		{"root", RoleAdmin},
		{"ops1", RoleOperator},
		{"viewer1", RoleViewer},
		{"nobody", RoleAnonymous},
	}

	for _, c := range cases {
		if got := ResolveRole(c.user, admins, operators, store); got != c.want {
			t.Errorf("ResolveRole(%q) = %q, want %q", c.user, got, c.want)
		}
	}
}

func TestHasPermission(t *testing.T) {
	if !HasPermission(RoleAdmin, PermAdminAudit) {
		t.Error("admin should have admin:audit")
	}
	if HasPermission(RoleViewer, PermNodeCreate) {
		t.Error("viewer should not have write:node:create")
	}
	if HasPermission(RoleAnonymous, PermViewMetrics) {
		t.Error("anonymous should have no permissions")
	}
}

func TestRolePermissions_AdminSupersetsOperatorSupersetsViewer(t *testing.T) {
	admin := RolePermissions(RoleAdmin)
	operator := RolePermissions(RoleOperator)
	viewer := RolePermissions(RoleViewer)

	for _, p := range operator {
		found := false
		for _, ap := range admin {
			if ap == p {
				found = true
			}
		}
		if !found {
			t.Errorf("ADMIN missing operator permission %q", p)
		}
	}
	for _, p := range viewer {
		found := false
		for _, op := range operator {
			if op == p {
				found = true
			}
		}
		if !found {
			t.Errorf("OPERATOR missing viewer permission %q", p)
		}
	}
}
