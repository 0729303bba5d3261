package rbac

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"ssocore.org/internal/sentinel"
)

func newResolver(t *testing.T, roles ...Role) *Resolver {
	t.Helper()
	r := New(NewMemorySource(roles...))
	if err := r.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	return r
}

func TestResolveIsUnion(t *testing.T) {
	r := newResolver(t,
		Role{Name: "viewer", Permissions: []string{"reports.read"}},
		Role{Name: "editor", Permissions: []string{"reports.read", "reports.write"}},
		Role{Name: "auditor", Permissions: []string{"audit.read"}},
	)
	cases := []struct {
		roles []string
		want  []string
	}{
		{nil, []string{}},
		{[]string{"viewer"}, []string{"reports.read"}},
		{[]string{"viewer", "editor"}, []string{"reports.read", "reports.write"}},
		{[]string{"editor", "auditor", "ghost"}, []string{"audit.read", "reports.read", "reports.write"}},
	}
	for _, tc := range cases {
		got := r.Resolve(tc.roles).Slice()
		if !slices.Equal(got, tc.want) {
			t.Fatalf("Resolve(%v) = %v, want %v", tc.roles, got, tc.want)
		}
	}

	// Resolve(A ∪ B) == Resolve(A) ∪ Resolve(B)
	a, b := []string{"viewer", "auditor"}, []string{"editor"}
	union := r.Resolve(append(slices.Clone(a), b...))
	merged := r.Resolve(a)
	for p := range r.Resolve(b) {
		merged[p] = struct{}{}
	}
	if !slices.Equal(union.Slice(), merged.Slice()) {
		t.Fatalf("union mismatch: %v vs %v", union.Slice(), merged.Slice())
	}
}

func TestAdminDeleteScenario(t *testing.T) {
	r := newResolver(t, Role{Name: "admin", Permissions: []string{"users.read", PermUsersDelete}})
	perms := r.Resolve([]string{"admin"})
	if !r.Authorize(perms, PermUsersDelete) {
		t.Fatal("admin must be allowed users.delete")
	}
	if r.Authorize(perms, "users") || r.Authorize(perms, "users.*") {
		t.Fatal("authorization must be exact membership")
	}
	err := r.Require(r.Resolve([]string{"viewer"}), PermUsersDelete)
	if !errors.Is(err, sentinel.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestUpsertIsVisibleImmediately(t *testing.T) {
	ctx := context.Background()
	src := NewMemorySource()
	r := New(src)
	if r.Authorize(r.Resolve([]string{"ops"}), "services.manage") {
		t.Fatal("unknown role granted permission")
	}
	if _, err := r.UpsertRole(ctx, Role{Name: "ops", Permissions: []string{" services.manage ", "services.manage"}}); err != nil {
		t.Fatalf("UpsertRole: %v", err)
	}
	if !r.Authorize(r.Resolve([]string{"ops"}), "services.manage") {
		t.Fatal("upserted permission not visible")
	}
	stored, _ := src.ListRoles(ctx)
	if len(stored) != 1 || !slices.Equal(stored[0].Permissions, []string{"services.manage"}) {
		t.Fatalf("source not updated: %+v", stored)
	}

	if err := r.DeleteRole(ctx, "ops"); err != nil {
		t.Fatalf("DeleteRole: %v", err)
	}
	if r.Authorize(r.Resolve([]string{"ops"}), "services.manage") {
		t.Fatal("deleted role still grants permission")
	}
	if err := r.DeleteRole(ctx, "ops"); !errors.Is(err, sentinel.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReloadPicksUpExternalChanges(t *testing.T) {
	ctx := context.Background()
	src := NewMemorySource(Role{Name: "viewer", Permissions: []string{"reports.read"}})
	r := newResolver(t)
	r.source = src
	if err := r.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	_ = src.UpsertRole(ctx, Role{Name: "viewer", Permissions: []string{"reports.read", "reports.export"}})
	if r.Authorize(r.Resolve([]string{"viewer"}), "reports.export") {
		t.Fatal("snapshot changed before reload")
	}
	if err := r.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !r.Authorize(r.Resolve([]string{"viewer"}), "reports.export") {
		t.Fatal("reload did not pick up change")
	}
}

func TestConcurrentReadsDuringWrites(t *testing.T) {
	ctx := context.Background()
	r := newResolver(t, Role{Name: "viewer", Permissions: []string{"reports.read"}})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if !r.Resolve([]string{"viewer"}).Has("reports.read") {
					t.Error("stable permission disappeared")
					return
				}
			}
		}()
	}
	for j := 0; j < 50; j++ {
		if _, err := r.UpsertRole(ctx, Role{Name: "tmp", Permissions: []string{"x"}}); err != nil {
			t.Fatalf("UpsertRole: %v", err)
		}
	}
	wg.Wait()
}

// pausingSource captures the catalog, then waits before returning it.
type pausingSource struct {
	*MemorySource
	listed  chan struct{}
	release chan struct{}
}

func (p *pausingSource) ListRoles(ctx context.Context) ([]Role, error) {
	roles, err := p.MemorySource.ListRoles(ctx)
	close(p.listed)
	<-p.release
	return roles, err
}

func TestStaleReloadDoesNotOverwriteUpsert(t *testing.T) {
	mem := NewMemorySource(Role{Name: "admin", Permissions: []string{"users.read"}})
	r := New(mem)
	if err := r.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	src := &pausingSource{MemorySource: mem, listed: make(chan struct{}), release: make(chan struct{})}
	r.source = src

	reloaded := make(chan error, 1)
	go func() { reloaded <- r.Reload(context.Background()) }()
	<-src.listed

	if _, err := r.UpsertRole(context.Background(), Role{Name: "admin", Permissions: []string{"users.read", PermUsersDelete}}); err != nil {
		t.Fatalf("UpsertRole: %v", err)
	}
	if !r.Authorize(r.Resolve([]string{"admin"}), PermUsersDelete) {
		t.Fatal("upsert not visible")
	}

	close(src.release)
	if err := <-reloaded; err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !r.Authorize(r.Resolve([]string{"admin"}), PermUsersDelete) {
		t.Fatal("stale reload reverted the upsert")
	}

	// the next reload sees the committed catalog again
	r.source = mem
	if err := r.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !r.Authorize(r.Resolve([]string{"admin"}), PermUsersDelete) {
		t.Fatal("committed upsert lost after fresh reload")
	}
}
