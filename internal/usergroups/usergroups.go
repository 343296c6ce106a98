// Package usergroups manages organizational user groups (distinct from the
// mapping groups inside a project): creation with a lower-cased uniqueness
// key, archiving, and membership changes. Every write lands under
// userGroups/ or userGroupMembershipLogs/, where the change-log mirror
// handlers pick it up and flag the record for relational re-export.
package usergroups

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/mapswipe/mapswipe-workers/internal/store"
)

// ErrNameTaken is returned by Create when another (non-archived or
// archived) group already owns the same nameKey.
var ErrNameTaken = errors.New("user group name already taken")

// ErrNotFound is returned when the addressed group does not exist.
var ErrNotFound = errors.New("user group not found")

// Service reads and writes user-group records through the store.
type Service struct {
	store *store.Store
	now   func() time.Time
	newID func() string
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithNow overrides the timestamp source for tests.
func WithNow(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithNewID overrides ID generation for tests.
func WithNewID(newID func() string) ServiceOption {
	return func(s *Service) { s.newID = newID }
}

// NewService builds a Service on a store.
func NewService(st *store.Store, opts ...ServiceOption) *Service {
	s := &Service{
		store: st,
		now:   time.Now,
		newID: func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NameKey derives the uniqueness key for a group name: NFKC-normalized,
// trimmed, lower-cased. Two names that fold to the same key are the same
// group as far as uniqueness is concerned.
func NameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(name)))
}

// Create writes a new user-group record and returns its ID. The nameKey
// uniqueness check and the write are not atomic (the store has no
// cross-record transactions); a race between two creators with the same
// name can slip through, exactly as in the dashboard this replaces.
func (s *Service) Create(ctx context.Context, name, description, createdBy string) (string, error) {
	key := NameKey(name)
	if key == "" {
		return "", fmt.Errorf("user group name is empty")
	}

	existing, err := s.store.Read(ctx, "userGroups")
	if err != nil {
		return "", fmt.Errorf("create user group: %w", err)
	}
	if groups, ok := store.AsMap(existing); ok {
		for id, raw := range groups {
			rec, ok := store.AsMap(raw)
			if !ok {
				continue
			}
			if k, _ := store.AsString(rec["nameKey"]); k == key {
				return "", fmt.Errorf("user group %q: %w", id, ErrNameTaken)
			}
		}
	}

	id := s.newID()
	record := map[string]any{
		"name":        name,
		"nameKey":     key,
		"description": description,
		"createdBy":   createdBy,
		"createdAt":   s.now().UTC().Format(time.RFC3339),
	}
	if err := s.store.Set(ctx, store.Join("userGroups", id), record); err != nil {
		return "", fmt.Errorf("create user group: %w", err)
	}
	return id, nil
}

// Archive marks a group archived. The members set is left untouched so an
// unarchive restores the group exactly as it was.
func (s *Service) Archive(ctx context.Context, id, by string) error {
	if err := s.mustExist(ctx, id); err != nil {
		return err
	}
	return s.store.Update(ctx, store.Join("userGroups", id), map[string]any{
		"archivedBy": by,
		"archivedAt": s.now().UTC().Format(time.RFC3339),
	})
}

// Unarchive clears the archive marker fields.
func (s *Service) Unarchive(ctx context.Context, id string) error {
	if err := s.mustExist(ctx, id); err != nil {
		return err
	}
	return s.store.Update(ctx, store.Join("userGroups", id), map[string]any{
		"archivedBy": nil,
		"archivedAt": nil,
	})
}

// AddMember puts the user in the group's members set, mirrors the group
// onto the user's own userGroups tag, and appends a membership-log record
// for the relational mirror.
func (s *Service) AddMember(ctx context.Context, groupID, userID string) error {
	if err := s.mustExist(ctx, groupID); err != nil {
		return err
	}
	if err := s.store.Set(ctx, store.Join("userGroups", groupID, "users", userID), true); err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	if err := s.store.Set(ctx, store.Join("users", userID, "userGroups", groupID), true); err != nil {
		return fmt.Errorf("add member: tag user: %w", err)
	}
	return s.appendMembershipLog(ctx, groupID, userID, "join")
}

// RemoveMember removes the user from the group's members set and the
// user's tag, and logs the departure.
func (s *Service) RemoveMember(ctx context.Context, groupID, userID string) error {
	if err := s.mustExist(ctx, groupID); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, store.Join("userGroups", groupID, "users", userID)); err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	if err := s.store.Delete(ctx, store.Join("users", userID, "userGroups", groupID)); err != nil {
		return fmt.Errorf("remove member: untag user: %w", err)
	}
	return s.appendMembershipLog(ctx, groupID, userID, "leave")
}

func (s *Service) appendMembershipLog(ctx context.Context, groupID, userID, action string) error {
	logID := s.newID()
	record := map[string]any{
		"userGroupId": groupID,
		"userId":      userID,
		"action":      action,
		"timestamp":   s.now().UTC().Format(time.RFC3339),
	}
	if err := s.store.Set(ctx, store.Join("userGroupMembershipLogs", logID), record); err != nil {
		return fmt.Errorf("membership log: %w", err)
	}
	return nil
}

func (s *Service) mustExist(ctx context.Context, id string) error {
	v, err := s.store.Read(ctx, store.Join("userGroups", id))
	if err != nil {
		return err
	}
	if v == nil {
		return fmt.Errorf("user group %q: %w", id, ErrNotFound)
	}
	return nil
}
