package domain

import "testing"

func TestAdminPolicyRoleFor(t *testing.T) {
	policy := NewAdminPolicy([]string{"@EgorV", " ", "ops"}, []int64{42, 0})
	tests := []struct {
		name     string
		userID   int64
		username string
		want     UserRole
	}{
		{name: "username case insensitive", userID: 1, username: "egorv", want: UserRoleAdmin},
		{name: "username with at", userID: 1, username: "@ops", want: UserRoleAdmin},
		{name: "id match", userID: 42, username: "", want: UserRoleAdmin},
		{name: "stranger", userID: 7, username: "someone", want: UserRoleSubscriber},
		{name: "empty username", userID: 7, username: "", want: UserRoleSubscriber},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := policy.RoleFor(tt.userID, tt.username); got != tt.want {
				t.Fatalf("RoleFor(%d, %q) = %v, want %v", tt.userID, tt.username, got, tt.want)
			}
		})
	}
}

func TestAdminPolicyEmpty(t *testing.T) {
	if !NewAdminPolicy(nil, nil).Empty() {
		t.Fatal("ожидали пустую политику")
	}
	if NewAdminPolicy([]string{"a"}, nil).Empty() {
		t.Fatal("политика с администратором не пустая")
	}
}
