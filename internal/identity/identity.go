// Package identity resolves ambiguous ownership of historical answer
// data. A username that owns answers but has no account is an orphan; a
// teacher creates one claim per candidate account, each candidate votes
// yes or no, and the full vote set decides the outcome: confirmed
// orphan, automatic merge into the single yes-voter, or a conflict that
// a human resolves out of band.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quizpulse/quizpulse/internal/record"
)

// Directory is what the resolver needs to know about accounts and
// answers. The broker's answer store implements it.
type Directory interface {
	HasAccount(ctx context.Context, username string) (bool, error)
	Role(ctx context.Context, username string) (string, error)
	AnswerOwners(ctx context.Context) ([]string, error)
	ReassignAnswers(ctx context.Context, from, to string) (int, error)
}

// ErrValidation marks rejected claim operations: non-teacher creators,
// the orphan listed as its own candidate, double responses, bad votes.
var ErrValidation = errors.New("invalid claim operation")

// Claim responses.
const (
	ResponseYes = "yes"
	ResponseNo  = "no"
)

// Resolution statuses, in state-machine order.
type Status string

const (
	// StatusDetected: the orphan exists but no claims were created yet.
	StatusDetected Status = "detected"
	// StatusWaiting: at least one claim has no response.
	StatusWaiting Status = "waiting"
	// StatusOrphanConfirmed: every candidate said no; nothing moves.
	StatusOrphanConfirmed Status = "orphan_confirmed"
	// StatusAutoMerged: exactly one yes; the orphan's answers were
	// reassigned to that candidate.
	StatusAutoMerged Status = "auto_merged"
	// StatusConflict: multiple yes votes; a teacher notification was
	// raised and no data moved.
	StatusConflict Status = "conflict"
)

// Claim is one candidate's pending or answered vote about an orphan.
// Claims are never deleted; resolution is derived from the full set.
type Claim struct {
	ID          string `json:"id"`
	Orphan      string `json:"orphanUsername"`
	Candidate   string `json:"candidateUsername"`
	Response    string `json:"response,omitempty"` // yes, no, or "" while pending
	CreatedBy   string `json:"createdBy"`
	CreatedAt   int64  `json:"createdAt"`
	RespondedAt int64  `json:"respondedAt,omitempty"`
}

// Notification is a message for the claim creator, raised on conflict.
type Notification struct {
	ID        string `json:"id"`
	Teacher   string `json:"teacherUsername"`
	Type      string `json:"type"`
	Message   string `json:"message"`
	Orphan    string `json:"relatedOrphan"`
	Read      bool   `json:"read"`
	CreatedAt int64  `json:"createdAt"`
}

// Resolution is the derived outcome for one orphan.
type Resolution struct {
	Orphan     string   `json:"orphanUsername"`
	Status     Status   `json:"status"`
	MergedInto string   `json:"mergedInto,omitempty"`
	Claimants  []string `json:"claimants,omitempty"` // yes-voters on conflict
	Moved      int      `json:"moved,omitempty"`     // answers reassigned on merge
}

// Resolver owns the claims and notifications tables. It shares the
// broker database so claims live next to the answers they describe.
type Resolver struct {
	db     *sql.DB
	dir    Directory
	logger *log.Logger
	now    func() int64
}

// New creates a Resolver on db and ensures its schema exists.
func New(db *sql.DB, dir Directory, logger *log.Logger) (*Resolver, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[identity] ", log.LstdFlags)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS claims (
    id           TEXT PRIMARY KEY,
    orphan       TEXT NOT NULL,
    candidate    TEXT NOT NULL,
    response     TEXT NOT NULL DEFAULT '',
    created_by   TEXT NOT NULL,
    created_at   INTEGER NOT NULL,
    responded_at INTEGER NOT NULL DEFAULT 0,
    UNIQUE (orphan, candidate)
);
CREATE INDEX IF NOT EXISTS idx_claims_orphan ON claims(orphan);
CREATE INDEX IF NOT EXISTS idx_claims_candidate ON claims(candidate);

CREATE TABLE IF NOT EXISTS notifications (
    id         TEXT PRIMARY KEY,
    teacher    TEXT NOT NULL,
    type       TEXT NOT NULL,
    message    TEXT NOT NULL,
    orphan     TEXT NOT NULL,
    read       INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_teacher ON notifications(teacher);
`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create identity schema: %w", err)
	}

	return &Resolver{
		db:     db,
		dir:    dir,
		logger: logger,
		now:    func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// SetNow overrides the clock; tests use it for stable timestamps.
func (r *Resolver) SetNow(now func() int64) { r.now = now }

// DetectOrphans returns answer owners with no account, sorted.
func (r *Resolver) DetectOrphans(ctx context.Context) ([]string, error) {
	owners, err := r.dir.AnswerOwners(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list answer owners: %w", err)
	}

	var orphans []string
	for _, owner := range owners {
		has, err := r.dir.HasAccount(ctx, owner)
		if err != nil {
			return nil, fmt.Errorf("failed to check account %s: %w", owner, err)
		}
		if !has {
			orphans = append(orphans, owner)
		}
	}
	return orphans, nil
}

// CreateClaims creates one pending claim per candidate for orphan.
// Only teachers may create claims, and the orphan can never be its own
// candidate. Existing (orphan, candidate) pairs are skipped, so the
// call is safe to repeat with an extended candidate list.
func (r *Resolver) CreateClaims(ctx context.Context, orphan string, candidates []string, createdBy string) ([]Claim, error) {
	role, err := r.dir.Role(ctx, createdBy)
	if err != nil {
		return nil, fmt.Errorf("failed to check creator role: %w", err)
	}
	if role != record.RoleTeacher {
		return nil, fmt.Errorf("%w: %s is not a teacher", ErrValidation, createdBy)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no candidates given", ErrValidation)
	}
	for _, c := range candidates {
		if c == orphan {
			return nil, fmt.Errorf("%w: orphan %s cannot be its own candidate", ErrValidation, orphan)
		}
	}
	if has, err := r.dir.HasAccount(ctx, orphan); err != nil {
		return nil, fmt.Errorf("failed to check orphan %s: %w", orphan, err)
	} else if has {
		return nil, fmt.Errorf("%w: %s has an account and is not an orphan", ErrValidation, orphan)
	}

	now := r.now()
	var created []Claim
	for _, candidate := range candidates {
		claim := Claim{
			ID:        uuid.NewString(),
			Orphan:    orphan,
			Candidate: candidate,
			CreatedBy: createdBy,
			CreatedAt: now,
		}
		res, err := r.db.ExecContext(ctx, `
INSERT OR IGNORE INTO claims (id, orphan, candidate, response, created_by, created_at)
VALUES (?, ?, ?, '', ?, ?)`,
			claim.ID, claim.Orphan, claim.Candidate, claim.CreatedBy, claim.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to create claim for %s: %w", candidate, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			created = append(created, claim)
		}
	}

	r.logger.Printf("created %d claims for orphan %s", len(created), orphan)
	return created, nil
}

// PendingFor lists the unanswered claims addressed to candidate.
func (r *Resolver) PendingFor(ctx context.Context, candidate string) ([]Claim, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, orphan, candidate, response, created_by, created_at, responded_at
FROM claims WHERE candidate = ? AND response = '' ORDER BY created_at`, candidate)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending claims: %w", err)
	}
	defer rows.Close()
	return scanClaims(rows)
}

// ClaimsFor lists every claim about orphan.
func (r *Resolver) ClaimsFor(ctx context.Context, orphan string) ([]Claim, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, orphan, candidate, response, created_by, created_at, responded_at
FROM claims WHERE orphan = ? ORDER BY created_at, candidate`, orphan)
	if err != nil {
		return nil, fmt.Errorf("failed to list claims for %s: %w", orphan, err)
	}
	defer rows.Close()
	return scanClaims(rows)
}

// Respond records candidate's yes/no vote on a claim. A claim is
// mutated exactly once; repeat responses are rejected.
func (r *Resolver) Respond(ctx context.Context, claimID, candidate, response string) error {
	if response != ResponseYes && response != ResponseNo {
		return fmt.Errorf("%w: response must be yes or no, got %q", ErrValidation, response)
	}

	var owner, existing string
	err := r.db.QueryRowContext(ctx,
		`SELECT candidate, response FROM claims WHERE id = ?`, claimID).Scan(&owner, &existing)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: claim %s does not exist", ErrValidation, claimID)
	}
	if err != nil {
		return fmt.Errorf("failed to read claim %s: %w", claimID, err)
	}
	if owner != candidate {
		return fmt.Errorf("%w: claim %s is not addressed to %s", ErrValidation, claimID, candidate)
	}
	if existing != "" {
		return fmt.Errorf("%w: claim %s already has a response", ErrValidation, claimID)
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE claims SET response = ?, responded_at = ? WHERE id = ?`,
		response, r.now(), claimID)
	if err != nil {
		return fmt.Errorf("failed to record response: %w", err)
	}
	return nil
}

// Resolve recomputes the outcome for orphan from its full claim set.
// Any new response re-evaluates everything; the function is safe to
// call repeatedly (the merge reassigns zero rows the second time, the
// conflict notification is raised at most once per orphan).
func (r *Resolver) Resolve(ctx context.Context, orphan string) (Resolution, error) {
	claims, err := r.ClaimsFor(ctx, orphan)
	if err != nil {
		return Resolution{}, err
	}
	if len(claims) == 0 {
		return Resolution{Orphan: orphan, Status: StatusDetected}, nil
	}

	var yes []string
	for _, c := range claims {
		switch c.Response {
		case "":
			return Resolution{Orphan: orphan, Status: StatusWaiting}, nil
		case ResponseYes:
			yes = append(yes, c.Candidate)
		}
	}

	switch len(yes) {
	case 0:
		return Resolution{Orphan: orphan, Status: StatusOrphanConfirmed}, nil

	case 1:
		moved, err := r.dir.ReassignAnswers(ctx, orphan, yes[0])
		if err != nil {
			return Resolution{}, fmt.Errorf("failed to merge %s into %s: %w", orphan, yes[0], err)
		}
		if moved > 0 {
			r.logger.Printf("auto-merged %s into %s (%d answers)", orphan, yes[0], moved)
		}
		return Resolution{
			Orphan:     orphan,
			Status:     StatusAutoMerged,
			MergedInto: yes[0],
			Moved:      moved,
		}, nil

	default:
		if err := r.notifyConflict(ctx, orphan, claims[0].CreatedBy, yes); err != nil {
			return Resolution{}, err
		}
		return Resolution{Orphan: orphan, Status: StatusConflict, Claimants: yes}, nil
	}
}

// notifyConflict raises at most one conflict notification per orphan.
func (r *Resolver) notifyConflict(ctx context.Context, orphan, teacher string, claimants []string) error {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE orphan = ? AND type = 'conflict'`,
		orphan).Scan(&n)
	if err != nil {
		return fmt.Errorf("failed to check existing notifications: %w", err)
	}
	if n > 0 {
		return nil
	}

	msg := fmt.Sprintf("multiple students claimed %s: %s; manual resolution required",
		orphan, strings.Join(claimants, ", "))
	_, err = r.db.ExecContext(ctx, `
INSERT INTO notifications (id, teacher, type, message, orphan, read, created_at)
VALUES (?, ?, 'conflict', ?, ?, 0, ?)`,
		uuid.NewString(), teacher, msg, orphan, r.now())
	if err != nil {
		return fmt.Errorf("failed to create conflict notification: %w", err)
	}
	r.logger.Printf("conflict on orphan %s, notified %s", orphan, teacher)
	return nil
}

// Notifications lists a teacher's notifications, newest first.
func (r *Resolver) Notifications(ctx context.Context, teacher string) ([]Notification, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, teacher, type, message, orphan, read, created_at
FROM notifications WHERE teacher = ? ORDER BY created_at DESC`, teacher)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		var read int
		if err := rows.Scan(&n.ID, &n.Teacher, &n.Type, &n.Message, &n.Orphan, &read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.Read = read != 0
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notification iteration failed: %w", err)
	}
	return out, nil
}

// MarkRead acknowledges a notification.
func (r *Resolver) MarkRead(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE notifications SET read = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: notification %s does not exist", ErrValidation, id)
	}
	return nil
}

func scanClaims(rows *sql.Rows) ([]Claim, error) {
	var out []Claim
	for rows.Next() {
		var c Claim
		if err := rows.Scan(&c.ID, &c.Orphan, &c.Candidate, &c.Response, &c.CreatedBy, &c.CreatedAt, &c.RespondedAt); err != nil {
			return nil, fmt.Errorf("failed to scan claim: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim iteration failed: %w", err)
	}
	return out, nil
}
