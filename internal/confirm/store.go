package confirm

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/hivegate/internal/model"
)

var (
	ErrNotFound        = errors.New("confirmation not found")
	ErrAlreadyResolved = errors.New("confirmation already resolved")
	ErrExpired         = errors.New("confirmation expired")
)

// validID matches alphanumeric and dash characters only (cf-<uuid>).
var validID = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

// validateID rejects IDs that could cause path traversal.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("id must not be empty")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("id must not contain '..'")
	}
	if !validID.MatchString(id) {
		return fmt.Errorf("id contains invalid characters")
	}
	return nil
}

// State is the lifecycle state of a confirmation.
type State string

const (
	AwaitingOperator State = "awaiting_operator"
	Approved         State = "approved"
	Rejected         State = "rejected"
	Expired          State = "expired"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s != AwaitingOperator
}

// Confirmation is a command held for an operator. The full command is
// stored so an approval can re-enter the pipeline after a restart.
type Confirmation struct {
	ID            string        `json:"id"`
	State         State         `json:"state"`
	Command       model.Command `json:"command"`
	CommandDigest string        `json:"command_digest"`
	Danger        int           `json:"danger_score"`
	PolicyHash    string        `json:"policy_hash"`
	CreatedAt     time.Time     `json:"created_at"`
	ExpiresAt     time.Time     `json:"expires_at"`
	ResolvedAt    *time.Time    `json:"resolved_at,omitempty"`
	OperatorID    string        `json:"operator_id,omitempty"`
	// ReceiptID is set once the terminal outcome is in the receipt ledger.
	ReceiptID *uint64 `json:"receipt_id,omitempty"`
}

// Store manages confirmation files on disk, one JSON file per
// confirmation, written atomically.
type Store struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// NewStore creates a Store backed by dir. A nil now uses time.Now.
func NewStore(dir string, now func() time.Time) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create confirmation directory: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	return &Store{dir: dir, now: now}, nil
}

// DefaultDir returns the default confirmation store directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "hivegate-pending")
	}
	return filepath.Join(home, ".hivegate", "pending")
}

// Create records a new confirmation awaiting an operator.
func (s *Store) Create(cmd *model.Command, digest string, danger int, policyHash string, timeout time.Duration) (*Confirmation, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("confirmation timeout must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	c := &Confirmation{
		ID:            "cf-" + uuid.NewString(),
		State:         AwaitingOperator,
		Command:       *cmd,
		CommandDigest: digest,
		Danger:        danger,
		PolicyHash:    policyHash,
		CreatedAt:     now,
		ExpiresAt:     now.Add(timeout),
	}
	if err := s.writeAtomic(c); err != nil {
		return nil, fmt.Errorf("failed to write confirmation: %w", err)
	}
	return c, nil
}

// Get returns a confirmation by ID.
func (s *Store) Get(id string) (*Confirmation, error) {
	if err := validateID(id); err != nil {
		return nil, fmt.Errorf("invalid confirmation id: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

// Resolve moves an awaiting confirmation to Approved or Rejected.
// Terminal confirmations fail with ErrAlreadyResolved. Past its expiry a
// confirmation cannot be resolved; only the sweep may expire it.
func (s *Store) Resolve(id string, to State, operatorID string) (*Confirmation, error) {
	if to != Approved && to != Rejected {
		return nil, fmt.Errorf("invalid resolution %q", to)
	}
	if err := validateID(id); err != nil {
		return nil, fmt.Errorf("invalid confirmation id: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.read(id)
	if err != nil {
		return nil, err
	}
	if c.State.Terminal() {
		return c, fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, id, c.State)
	}
	now := s.now().UTC()
	if !now.Before(c.ExpiresAt) {
		return c, fmt.Errorf("%w: %s expired at %s", ErrExpired, id, c.ExpiresAt.Format(time.RFC3339))
	}

	c.State = to
	c.ResolvedAt = &now
	c.OperatorID = operatorID
	if err := s.writeAtomic(c); err != nil {
		return nil, err
	}
	return c, nil
}

// ExpireDue expires every awaiting confirmation whose deadline has passed
// and returns them.
func (s *Store) ExpireDue() ([]*Confirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.list()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	var expired []*Confirmation
	var errs []error
	for _, c := range all {
		if c.State != AwaitingOperator || now.Before(c.ExpiresAt) {
			continue
		}
		c.State = Expired
		c.ResolvedAt = &now
		if err := s.writeAtomic(c); err != nil {
			errs = append(errs, err)
			continue
		}
		expired = append(expired, c)
	}
	return expired, errors.Join(errs...)
}

// MarkRecorded stores the receipt that recorded a terminal confirmation.
func (s *Store) MarkRecorded(id string, receiptID uint64) error {
	if err := validateID(id); err != nil {
		return fmt.Errorf("invalid confirmation id: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.read(id)
	if err != nil {
		return err
	}
	if !c.State.Terminal() {
		return fmt.Errorf("confirmation %s is still %s", id, c.State)
	}
	c.ReceiptID = &receiptID
	return s.writeAtomic(c)
}

// Pending returns confirmations awaiting an operator, oldest first.
func (s *Store) Pending() ([]*Confirmation, error) {
	return s.filter(func(c *Confirmation) bool { return c.State == AwaitingOperator })
}

// Unrecorded returns terminal confirmations whose outcome has no receipt
// yet, e.g. because the process stopped between resolution and append.
func (s *Store) Unrecorded() ([]*Confirmation, error) {
	return s.filter(func(c *Confirmation) bool { return c.State.Terminal() && c.ReceiptID == nil })
}

// List returns every confirmation, oldest first.
func (s *Store) List() ([]*Confirmation, error) {
	return s.filter(func(*Confirmation) bool { return true })
}

func (s *Store) filter(keep func(*Confirmation) bool) ([]*Confirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.list()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, c := range all {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) list() ([]*Confirmation, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []*Confirmation
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		c, err := s.read(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) read(id string) (*Confirmation, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	var c Confirmation
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) writeAtomic(c *Confirmation) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	path := s.path(c.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
