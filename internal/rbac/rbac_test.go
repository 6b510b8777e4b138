package rbac

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/agentfabric/fabric/internal/clock"
)

func newTestManager() (*Manager, clockwork.FakeClock) {
	fc := clock.NewFake()
	return New(fc, zap.NewNop()), fc
}

func TestCreateUserDuplicateName(t *testing.T) {
	m, _ := newTestManager()
	if _, err := m.CreateUser("alice", "pw", RoleUser); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.CreateUser("alice", "other", RoleUser); err != ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestLockoutAfterFiveFailures(t *testing.T) {
	m, _ := newTestManager()
	m.CreateUser("alice", "pw", RoleUser)

	for i := 0; i < 5; i++ {
		if _, err := m.Authenticate("alice", "wrong", "127.0.0.1", "ua"); err != ErrBadCredentials {
			t.Fatalf("attempt %d: expected ErrBadCredentials, got %v", i, err)
		}
	}
	if _, err := m.Authenticate("alice", "pw", "127.0.0.1", "ua"); err != ErrLocked {
		t.Fatalf("expected ErrLocked on 6th attempt even with correct password, got %v", err)
	}
}

func TestUnlockThenAuthenticateAndPermissions(t *testing.T) {
	m, _ := newTestManager()
	userID, _ := m.CreateUser("alice", "pw", RoleUser)

	for i := 0; i < 5; i++ {
		m.Authenticate("alice", "wrong", "127.0.0.1", "ua")
	}
	if err := m.UnlockUser(userID); err != nil {
		t.Fatalf("unlock: %v", err)
	}

	token, err := m.Authenticate("alice", "pw", "127.0.0.1", "ua")
	if err != nil {
		t.Fatalf("authenticate after unlock: %v", err)
	}

	if err := m.CheckPermission(token, PermArchitect, "topic:alerts", "127.0.0.1"); err != nil {
		t.Fatalf("expected PermArchitect allowed for User role, got %v", err)
	}
	if err := m.CheckPermission(token, PermSystemShutdown, "system", "127.0.0.1"); err != ErrPermissionDenied {
		t.Fatalf("expected PermissionDenied for SystemShutdown, got %v", err)
	}
}

func TestSessionExpiresAfterTTL(t *testing.T) {
	m, fc := newTestManager()
	m.CreateUser("alice", "pw", RoleUser)
	token, _ := m.Authenticate("alice", "pw", "127.0.0.1", "ua")

	fc.Advance(9 * time.Hour)
	if err := m.CheckPermission(token, PermMonitor, "r", "ip"); err != ErrExpired {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestPermissionMonotonicity(t *testing.T) {
	roles := []Role{RoleGuest, RoleUser, RoleOperator, RoleAdmin}
	for i := 0; i < len(roles)-1; i++ {
		lower := PermissionsFor(roles[i])
		higher := PermissionsFor(roles[i+1])
		if lower&higher != lower {
			t.Fatalf("permissions(%v) not subset of permissions(%v)", roles[i], roles[i+1])
		}
	}
	admin := PermissionsFor(RoleAdmin)
	for _, r := range roles {
		if p := PermissionsFor(r); p&admin != p {
			t.Fatalf("permissions(%v) not subset of permissions(Admin)", r)
		}
	}
}

func TestUpdateUserRolePropagatesToLiveSessions(t *testing.T) {
	m, _ := newTestManager()
	userID, _ := m.CreateUser("alice", "pw", RoleUser)
	token, _ := m.Authenticate("alice", "pw", "127.0.0.1", "ua")

	if err := m.UpdateUserRole(userID, RoleAdmin); err != nil {
		t.Fatalf("update role: %v", err)
	}
	if err := m.CheckPermission(token, PermSystemShutdown, "system", "ip"); err != nil {
		t.Fatalf("expected SystemShutdown allowed after promotion to Admin, got %v", err)
	}
}

func TestAuditCompleteness(t *testing.T) {
	m, _ := newTestManager()
	m.CreateUser("alice", "pw", RoleUser)
	token, _ := m.Authenticate("alice", "pw", "127.0.0.1", "ua")

	m.CheckPermission(token, PermMonitor, "r1", "ip")
	m.CheckPermission(token, PermSystemShutdown, "r2", "ip")

	tail := m.AuditTail(10)
	if len(tail) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(tail))
	}
	if !tail[0].Allowed || tail[1].Allowed {
		t.Fatalf("unexpected audit decisions: %+v", tail)
	}
}
