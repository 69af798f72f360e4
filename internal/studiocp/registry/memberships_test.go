package registry

import (
	"context"
	"testing"
)

func TestEnsureMembershipIdempotent(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Create(ctx, &Tenant{ID: "s-MEM0000001", OwnerID: "user-m"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := reg.EnsureMembership(ctx, "s-MEM0000001", "user-m", RoleOwner); err != nil {
			t.Fatalf("EnsureMembership #%d: %v", i, err)
		}
	}

	members, err := reg.ListMemberships(ctx, "s-MEM0000001")
	if err != nil {
		t.Fatalf("ListMemberships: %v", err)
	}
	if len(members) != 1 || members[0].Role != RoleOwner || members[0].UserID != "user-m" {
		t.Fatalf("members = %+v", members)
	}
}

func TestEnsureMembershipSingleOwner(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Create(ctx, &Tenant{ID: "s-MEM0000002", OwnerID: "user-a"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := reg.EnsureMembership(ctx, "s-MEM0000002", "user-a", RoleOwner); err != nil {
		t.Fatalf("EnsureMembership owner: %v", err)
	}
	if err := reg.EnsureMembership(ctx, "s-MEM0000002", "user-b", RoleOwner); err != nil {
		t.Fatalf("EnsureMembership second owner: %v", err)
	}
	if err := reg.EnsureMembership(ctx, "s-MEM0000002", "user-c", RoleArtist); err != nil {
		t.Fatalf("EnsureMembership artist: %v", err)
	}

	members, _ := reg.ListMemberships(ctx, "s-MEM0000002")
	owners := 0
	for _, m := range members {
		if m.Role == RoleOwner {
			owners++
		}
	}
	if owners != 1 || len(members) != 2 {
		t.Fatalf("owners=%d members=%d, want 1/2", owners, len(members))
	}
}

func TestEnsureMembershipRequiresIDs(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.EnsureMembership(context.Background(), "", "u", RoleOwner); err == nil {
		t.Fatal("expected error for empty tenant id")
	}
}

func TestUsers(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.UpsertUser(ctx, "user-u", "ink@example.com"); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	if err := reg.UpsertUser(ctx, "user-u", ""); err != nil {
		t.Fatalf("UpsertUser empty email: %v", err)
	}
	u, err := reg.GetUser(ctx, "user-u")
	if err != nil || u == nil {
		t.Fatalf("GetUser = %+v, %v", u, err)
	}
	if u.Email != "ink@example.com" || u.Active {
		t.Fatalf("user = %+v", u)
	}

	if err := reg.MarkUserActive(ctx, "user-u", ""); err != nil {
		t.Fatalf("MarkUserActive: %v", err)
	}
	u, _ = reg.GetUser(ctx, "user-u")
	if !u.Active || u.Email != "ink@example.com" {
		t.Fatalf("user after activation = %+v", u)
	}

	if err := reg.MarkUserActive(ctx, "user-new", "new@example.com"); err != nil {
		t.Fatalf("MarkUserActive new: %v", err)
	}
	fresh, _ := reg.GetUser(ctx, "user-new")
	if fresh == nil || !fresh.Active {
		t.Fatalf("new user = %+v", fresh)
	}

	if missing, err := reg.GetUser(ctx, "nobody"); err != nil || missing != nil {
		t.Fatalf("GetUser missing = %+v, %v", missing, err)
	}
}
