// Package approval implements the explicit approval gate required before
// any irreversible (T3) action executes.
//
// The gate tracks pending approval intents with expiry, and converts an
// operator's approve/deny into an immutable record. Approval also issues a
// signed, single-use token bound to the exact capability and target; the
// boundary check redeems the token immediately before execution, so an
// approval for one action cannot be replayed for another.
package approval

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Intent status values.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusDenied   Status = "DENIED"
	StatusTimedOut Status = "TIMED_OUT"
)

// Gate errors.
var (
	ErrIntentNotFound  = errors.New("approval: intent not found")
	ErrNotPending      = errors.New("approval: intent is not pending")
	ErrTokenInvalid    = errors.New("approval: token invalid")
	ErrTokenMismatch   = errors.New("approval: token does not cover this action")
	ErrTokenRedeemed   = errors.New("approval: token already redeemed")
	ErrSigningKeyEmpty = errors.New("approval: signing key must not be empty")
)

// Intent is one pending request for human approval of a T3 action.
type Intent struct {
	IntentID   string    `json:"intent_id"`
	TaskID     string    `json:"task_id"`
	Capability string    `json:"capability"`
	Target     string    `json:"target,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Status     Status    `json:"status"`
}

// Record is the immutable outcome of a resolved intent.
type Record struct {
	RecordID    string    `json:"record_id"`
	IntentID    string    `json:"intent_id"`
	Outcome     Status    `json:"outcome"`
	ApprovedBy  string    `json:"approved_by,omitempty"`
	DeniedBy    string    `json:"denied_by,omitempty"`
	DenyReason  string    `json:"deny_reason,omitempty"`
	ResolvedAt  time.Time `json:"resolved_at"`
	DurationMs  int64     `json:"duration_ms"`
	ContentHash string    `json:"content_hash"`
}

type approvalClaims struct {
	jwt.RegisteredClaims
	Capability string `json:"capability"`
	Target     string `json:"target,omitempty"`
	ApproverID string `json:"approver_id"`
}

// Gate owns the pending approval intents for one process.
type Gate struct {
	mu         sync.Mutex
	intents    map[string]*Intent
	redeemed   map[string]bool // token JTI, single-use
	signingKey []byte
	ttl        time.Duration
	clock      func() time.Time
	logger     *slog.Logger
}

// NewGate creates an approval gate. signingKey signs approval tokens
// (HS256); ttl bounds how long an intent (and its token) stays valid.
func NewGate(signingKey []byte, ttl time.Duration) (*Gate, error) {
	if len(signingKey) == 0 {
		return nil, ErrSigningKeyEmpty
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Gate{
		intents:    make(map[string]*Intent),
		redeemed:   make(map[string]bool),
		signingKey: signingKey,
		ttl:        ttl,
		clock:      time.Now,
		logger:     slog.Default().With("component", "approval"),
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// RequestApproval registers a pending intent for an irreversible action.
func (g *Gate) RequestApproval(taskID, capability, target, reason string) *Intent {
	now := g.clock().UTC()
	intent := &Intent{
		IntentID:   uuid.New().String(),
		TaskID:     taskID,
		Capability: capability,
		Target:     target,
		Reason:     reason,
		CreatedAt:  now,
		ExpiresAt:  now.Add(g.ttl),
		Status:     StatusPending,
	}

	g.mu.Lock()
	g.intents[intent.IntentID] = intent
	g.mu.Unlock()

	g.logger.Info("approval requested",
		"intent_id", intent.IntentID,
		"capability", capability,
		"target", target)
	return intent
}

// Approve resolves a pending intent and returns a signed single-use token
// plus the immutable record. An expired intent resolves as timed out with
// no token.
func (g *Gate) Approve(intentID, approverID string) (string, *Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	intent, ok := g.intents[intentID]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrIntentNotFound, intentID)
	}
	if intent.Status != StatusPending {
		return "", nil, fmt.Errorf("%w: %s (status=%s)", ErrNotPending, intentID, intent.Status)
	}

	now := g.clock().UTC()
	if now.After(intent.ExpiresAt) {
		intent.Status = StatusTimedOut
		return "", g.record(intent, now), nil
	}

	intent.Status = StatusApproved
	record := g.record(intent, now)
	record.ApprovedBy = approverID

	claims := approvalClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   intent.IntentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(intent.ExpiresAt),
			Issuer:    "lancelot/governance",
		},
		Capability: intent.Capability,
		Target:     intent.Target,
		ApproverID: approverID,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.signingKey)
	if err != nil {
		return "", nil, fmt.Errorf("approval: sign token: %w", err)
	}
	return token, record, nil
}

// Deny resolves a pending intent as denied.
func (g *Gate) Deny(intentID, denierID, reason string) (*Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	intent, ok := g.intents[intentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIntentNotFound, intentID)
	}
	if intent.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s (status=%s)", ErrNotPending, intentID, intent.Status)
	}

	intent.Status = StatusDenied
	record := g.record(intent, g.clock().UTC())
	record.DeniedBy = denierID
	record.DenyReason = reason
	return record, nil
}

// Redeem validates a token against the action about to execute and burns
// it. A token verifies once; any reuse, mismatch, expiry, or forgery
// fails.
func (g *Gate) Redeem(token, capability, target string) error {
	parsed, err := jwt.ParseWithClaims(token, &approvalClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return g.signingKey, nil
	}, jwt.WithTimeFunc(func() time.Time { return g.clock().UTC() }))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := parsed.Claims.(*approvalClaims)
	if !ok || !parsed.Valid {
		return ErrTokenInvalid
	}
	if claims.Capability != capability || claims.Target != target {
		return fmt.Errorf("%w: approved %s %s", ErrTokenMismatch, claims.Capability, claims.Target)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.redeemed[claims.ID] {
		return ErrTokenRedeemed
	}
	g.redeemed[claims.ID] = true
	return nil
}

// CheckTimeouts sweeps pending intents past their expiry and returns the
// resulting records.
func (g *Gate) CheckTimeouts() []*Record {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock().UTC()
	var records []*Record
	for _, intent := range g.intents {
		if intent.Status == StatusPending && now.After(intent.ExpiresAt) {
			intent.Status = StatusTimedOut
			records = append(records, g.record(intent, now))
		}
	}
	return records
}

// PendingCount returns the number of pending intents.
func (g *Gate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	count := 0
	for _, intent := range g.intents {
		if intent.Status == StatusPending {
			count++
		}
	}
	return count
}

func (g *Gate) record(intent *Intent, resolvedAt time.Time) *Record {
	record := &Record{
		RecordID:   uuid.New().String(),
		IntentID:   intent.IntentID,
		Outcome:    intent.Status,
		ResolvedAt: resolvedAt,
		DurationMs: resolvedAt.Sub(intent.CreatedAt).Milliseconds(),
	}

	hashable := struct {
		IntentID string `json:"intent_id"`
		Outcome  Status `json:"outcome"`
	}{IntentID: intent.IntentID, Outcome: intent.Status}
	data, _ := json.Marshal(hashable)
	sum := sha256.Sum256(data)
	record.ContentHash = "sha256:" + hex.EncodeToString(sum[:])
	return record
}
