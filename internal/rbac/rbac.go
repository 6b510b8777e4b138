// Package rbac implements the fabric's role-based access control and session
// subsystem: users with Argon2id-hashed passwords, opaque random session
// tokens (not JWTs — a session here never needs to be independently
// verifiable outside this process), login lockout, and a circular audit
// log. Lock order is users < sessions < audit, matching the fabric-wide
// lock-order rule; no operation acquires them out of order.
package rbac

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentfabric/fabric/internal/clock"
)

// sessionTTL is the fixed lifetime of a session from creation.
const sessionTTL = 8 * time.Hour

// lockoutThreshold is the number of consecutive failed authenticate calls
// after which an account is locked until an Admin clears it.
const lockoutThreshold = 5

// User is one RBAC account.
type User struct {
	ID             uint64
	Name           string
	passwordHash   string
	Role           Role
	Active         bool
	Locked         bool
	FailedLogins   int
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// Session is a live, token-addressable authorization grant.
type Session struct {
	Token        string
	UserID       uint64
	Role         Role
	Permissions  Permission
	CreatedAt    time.Time
	LastAccessAt time.Time
	ExpiresAt    time.Time
	Active       bool
	ClientIP     string
	UserAgent    string
}

// Manager owns the user table, the session table, and the audit ring. The
// zero value is not usable — create instances with New.
type Manager struct {
	usersMu sync.RWMutex
	users   map[uint64]*User
	names   map[string]uint64
	nextID  uint64

	sessionsMu sync.RWMutex
	sessions   map[string]*Session

	audit auditRing

	clock  clock.Clock
	logger *zap.Logger
}

// New creates an empty Manager.
func New(clk clock.Clock, logger *zap.Logger) *Manager {
	return &Manager{
		users:  make(map[uint64]*User),
		names:  make(map[string]uint64),
		sessions: make(map[string]*Session),
		clock:  clk,
		logger: logger.Named("rbac"),
	}
}

// CreateUser stores a new account with a KDF-derived password hash and the
// permission mask implied by role. Duplicate names fail with
// ErrAlreadyExists.
func (m *Manager) CreateUser(name, password string, role Role) (uint64, error) {
	if name == "" || password == "" {
		return 0, fmt.Errorf("%w: name and password are required", ErrInvalidArgument)
	}

	hash, err := hashPassword(password)
	if err != nil {
		return 0, fmt.Errorf("rbac: hashing password: %w", err)
	}

	m.usersMu.Lock()
	defer m.usersMu.Unlock()

	if _, exists := m.names[name]; exists {
		return 0, ErrAlreadyExists
	}

	m.nextID++
	id := m.nextID
	now := m.clock.Now()
	m.users[id] = &User{
		ID:           id,
		Name:         name,
		passwordHash: hash,
		Role:         role,
		Active:       true,
		CreatedAt:    now,
	}
	m.names[name] = id

	m.logger.Info("user created", zap.Uint64("user_id", id), zap.String("name", name), zap.String("role", role.String()))
	return id, nil
}

// Authenticate validates name/password. On 5 consecutive failures the
// account is locked until an Admin calls UnlockUser. On success it resets
// the failure counter, records activity, and creates a new session.
func (m *Manager) Authenticate(name, password, clientIP, userAgent string) (string, error) {
	m.usersMu.Lock()
	id, exists := m.names[name]
	if !exists {
		m.usersMu.Unlock()
		return "", ErrNotFound
	}
	u := m.users[id]

	if u.Locked {
		m.usersMu.Unlock()
		return "", ErrLocked
	}

	if !verifyPassword(password, u.passwordHash) {
		u.FailedLogins++
		if u.FailedLogins >= lockoutThreshold {
			u.Locked = true
			m.logger.Warn("account locked after repeated failed logins", zap.Uint64("user_id", id), zap.String("name", name))
		}
		m.usersMu.Unlock()
		return "", ErrBadCredentials
	}

	u.FailedLogins = 0
	u.LastActivityAt = m.clock.Now()
	role := u.Role
	userID := u.ID
	m.usersMu.Unlock()

	return m.createSession(userID, role, clientIP, userAgent)
}

// createSession allocates a random 63-byte token and a fresh 8h TTL, copying
// the caller's current role and derived permission mask.
func (m *Manager) createSession(userID uint64, role Role, clientIP, userAgent string) (string, error) {
	token, err := sessionToken()
	if err != nil {
		return "", fmt.Errorf("rbac: creating session: %w", err)
	}
	now := m.clock.Now()

	m.sessionsMu.Lock()
	m.sessions[token] = &Session{
		Token:        token,
		UserID:       userID,
		Role:         role,
		Permissions:  PermissionsFor(role),
		CreatedAt:    now,
		LastAccessAt: now,
		ExpiresAt:    now.Add(sessionTTL),
		Active:       true,
		ClientIP:     clientIP,
		UserAgent:    userAgent,
	}
	m.sessionsMu.Unlock()

	return token, nil
}

// UnlockUser clears the lockout and failure counter for userID. It does not
// check the permissions of whoever calls it and appends no audit entry.
func (m *Manager) UnlockUser(userID uint64) error {
	m.usersMu.Lock()
	defer m.usersMu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Locked = false
	u.FailedLogins = 0
	m.logger.Info("user unlocked", zap.Uint64("user_id", userID))
	return nil
}

// CheckPermission validates token, confirms perm is included in its
// snapshot permission mask, and appends exactly one audit entry recording
// the decision — whether it is Ok or denied.
func (m *Manager) CheckPermission(token string, perm Permission, resource, clientIP string) error {
	m.sessionsMu.Lock()
	sess, ok := m.sessions[token]
	if !ok {
		m.sessionsMu.Unlock()
		return ErrNotFound
	}

	now := m.clock.Now()
	if now.After(sess.ExpiresAt) {
		sess.Active = false
		m.sessionsMu.Unlock()
		m.audit.append(AuditEntry{Timestamp: now.UnixNano(), UserID: sess.UserID, Permission: perm, Resource: resource, ClientIP: clientIP, Allowed: false})
		return ErrExpired
	}
	if !sess.Active {
		m.sessionsMu.Unlock()
		m.audit.append(AuditEntry{Timestamp: now.UnixNano(), UserID: sess.UserID, Permission: perm, Resource: resource, ClientIP: clientIP, Allowed: false})
		return ErrExpired
	}

	sess.LastAccessAt = now
	allowed := sess.Permissions.Has(perm)
	userID := sess.UserID
	m.sessionsMu.Unlock()

	m.audit.append(AuditEntry{Timestamp: now.UnixNano(), UserID: userID, Permission: perm, Resource: resource, ClientIP: clientIP, Allowed: allowed})

	if !allowed {
		return ErrPermissionDenied
	}
	return nil
}

// Revoke deactivates a session immediately. A revoked token fails every
// subsequent CheckPermission call with ErrExpired.
func (m *Manager) Revoke(token string) error {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()
	sess, ok := m.sessions[token]
	if !ok {
		return ErrNotFound
	}
	sess.Active = false
	return nil
}

// CleanupExpired removes sessions past their TTL from the table. Returns the
// number removed.
func (m *Manager) CleanupExpired() int {
	now := m.clock.Now()
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()
	removed := 0
	for token, sess := range m.sessions {
		if now.After(sess.ExpiresAt) {
			delete(m.sessions, token)
			removed++
		}
	}
	return removed
}

// UpdateUserRole changes a user's role and propagates the new role and
// permission mask to every live session belonging to that user in-place.
func (m *Manager) UpdateUserRole(userID uint64, newRole Role) error {
	m.usersMu.Lock()
	u, ok := m.users[userID]
	if !ok {
		m.usersMu.Unlock()
		return ErrNotFound
	}
	u.Role = newRole
	m.usersMu.Unlock()

	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()
	for _, sess := range m.sessions {
		if sess.UserID == userID && sess.Active {
			sess.Role = newRole
			sess.Permissions = PermissionsFor(newRole)
		}
	}
	return nil
}

// AuditTail returns the last n audit entries in arrival order.
func (m *Manager) AuditTail(n int) []AuditEntry {
	return m.audit.tail(n)
}

// AuditDroppedCount returns how many audit entries have been overwritten by
// ring overflow.
func (m *Manager) AuditDroppedCount() uint64 {
	return m.audit.droppedCount()
}
