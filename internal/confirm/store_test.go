package confirm

import (
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/hivegate/internal/canon"
	"github.com/ppiankov/hivegate/internal/model"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*Store, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	s, err := NewStore(t.TempDir(), clk.now)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s, clk
}

func testCommand() *model.Command {
	return &model.Command{
		SchemaType: "hive:channel-close/v1",
		Payload:    map[string]any{"channel_id": "800x1x0"},
		Issuer:     "agent-1",
		Nonce:      7,
		Timestamp:  1773144000,
	}
}

func TestCreatePersistsCommand(t *testing.T) {
	s, _ := newTestStore(t)
	c, err := s.Create(testCommand(), "sha256:abc", 8, "sha256:pol", time.Hour)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !strings.HasPrefix(c.ID, "cf-") {
		t.Errorf("expected cf- prefix, got %s", c.ID)
	}

	got, err := s.Get(c.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.State != AwaitingOperator {
		t.Errorf("expected awaiting_operator, got %s", got.State)
	}
	if got.Command.Issuer != "agent-1" || got.Command.Payload["channel_id"] != "800x1x0" {
		t.Errorf("command not persisted: %+v", got.Command)
	}
	if got.Danger != 8 || got.CommandDigest != "sha256:abc" {
		t.Errorf("unexpected fields: %+v", got)
	}
	if !got.ExpiresAt.Equal(got.CreatedAt.Add(time.Hour)) {
		t.Errorf("expected expiry one hour after creation")
	}
}

func TestResolveOnce(t *testing.T) {
	s, _ := newTestStore(t)
	c, _ := s.Create(testCommand(), "d", 8, "p", time.Hour)

	got, err := s.Resolve(c.ID, Approved, "alice")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got.State != Approved || got.OperatorID != "alice" || got.ResolvedAt == nil {
		t.Errorf("unexpected resolution: %+v", got)
	}

	_, err = s.Resolve(c.ID, Rejected, "bob")
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved, got %v", err)
	}
	again, _ := s.Get(c.ID)
	if again.State != Approved {
		t.Errorf("second resolution changed state to %s", again.State)
	}
}

func TestResolveConcurrentSingleWinner(t *testing.T) {
	s, _ := newTestStore(t)
	c, _ := s.Create(testCommand(), "d", 8, "p", time.Hour)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			to := Approved
			if i%2 == 1 {
				to = Rejected
			}
			if _, err := s.Resolve(c.ID, to, "op"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("expected exactly one successful resolution, got %d", wins)
	}
}

func TestResolveAfterDeadlineRefused(t *testing.T) {
	s, clk := newTestStore(t)
	c, _ := s.Create(testCommand(), "d", 9, "p", 15*time.Minute)
	clk.advance(15 * time.Minute)

	_, err := s.Resolve(c.ID, Approved, "alice")
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	got, _ := s.Get(c.ID)
	if got.State != AwaitingOperator {
		t.Errorf("resolve must not expire the confirmation, got %s", got.State)
	}
}

func TestExpireDue(t *testing.T) {
	s, clk := newTestStore(t)
	short, _ := s.Create(testCommand(), "d", 9, "p", 15*time.Minute)
	long, _ := s.Create(testCommand(), "d", 5, "p", 4*time.Hour)
	done, _ := s.Create(testCommand(), "d", 5, "p", 10*time.Minute)
	s.Resolve(done.ID, Rejected, "alice")

	clk.advance(time.Hour)
	expired, err := s.ExpireDue()
	if err != nil {
		t.Fatalf("ExpireDue failed: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != short.ID {
		t.Fatalf("expected only %s expired, got %+v", short.ID, expired)
	}

	pending, _ := s.Pending()
	if len(pending) != 1 || pending[0].ID != long.ID {
		t.Errorf("expected %s still pending, got %+v", long.ID, pending)
	}

	again, _ := s.ExpireDue()
	if len(again) != 0 {
		t.Errorf("expected no second expiry, got %d", len(again))
	}
}

func TestUnrecordedAndMarkRecorded(t *testing.T) {
	s, _ := newTestStore(t)
	c, _ := s.Create(testCommand(), "d", 8, "p", time.Hour)

	if err := s.MarkRecorded(c.ID, 1); err == nil {
		t.Error("expected error marking an awaiting confirmation")
	}
	s.Resolve(c.ID, Rejected, "alice")

	un, _ := s.Unrecorded()
	if len(un) != 1 {
		t.Fatalf("expected 1 unrecorded, got %d", len(un))
	}
	if err := s.MarkRecorded(c.ID, 42); err != nil {
		t.Fatalf("MarkRecorded failed: %v", err)
	}
	un, _ = s.Unrecorded()
	if len(un) != 0 {
		t.Errorf("expected 0 unrecorded, got %d", len(un))
	}
	got, _ := s.Get(c.ID)
	if got.ReceiptID == nil || *got.ReceiptID != 42 {
		t.Errorf("expected receipt id 42, got %v", got.ReceiptID)
	}
}

func TestListSkipsForeignFiles(t *testing.T) {
	s, _ := newTestStore(t)
	s.Create(testCommand(), "d", 8, "p", time.Hour)
	os.WriteFile(filepath.Join(s.dir, "notes.txt"), []byte("x"), 0644)
	os.WriteFile(filepath.Join(s.dir, "broken.json"), []byte("{"), 0644)

	all, err := s.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected 1 confirmation, got %d", len(all))
	}
}

func TestPathTraversalRejected(t *testing.T) {
	s, _ := newTestStore(t)
	for _, id := range []string{"", "../etc/passwd", "a/b", "x..y"} {
		if _, err := s.Get(id); err == nil {
			t.Errorf("expected error for id %q", id)
		}
		if _, err := s.Resolve(id, Approved, "op"); err == nil {
			t.Errorf("expected resolve error for id %q", id)
		}
	}
	if _, err := s.Get("cf-missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTimeouts(t *testing.T) {
	tests := []struct {
		danger int
		want   time.Duration
	}{
		{10, 15 * time.Minute},
		{9, 15 * time.Minute},
		{8, time.Hour},
		{7, time.Hour},
		{6, 4 * time.Hour},
		{0, 4 * time.Hour},
	}
	var zero Timeouts
	for _, tt := range tests {
		if got := zero.For(tt.danger); got != tt.want {
			t.Errorf("For(%d) = %s, want %s", tt.danger, got, tt.want)
		}
	}
	custom := Timeouts{High: 2 * time.Hour}
	if got := custom.For(7); got != 2*time.Hour {
		t.Errorf("expected override 2h, got %s", got)
	}
}

func TestAuthenticator(t *testing.T) {
	signer, err := canon.SignerFromSeedHex(strings.Repeat("07", 32))
	if err != nil {
		t.Fatal(err)
	}
	other, _ := canon.SignerFromSeedHex(strings.Repeat("08", 32))

	auth, err := NewAuthenticator([]Operator{{ID: "alice", PublicKey: hexKey(signer)}})
	if err != nil {
		t.Fatalf("NewAuthenticator failed: %v", err)
	}

	r := Resolution{ConfirmationID: "cf-1", Approve: true, OperatorID: "alice"}
	if err := r.Sign(signer); err != nil {
		t.Fatal(err)
	}
	if err := auth.Verify(r); err != nil {
		t.Errorf("expected valid resolution, got %v", err)
	}

	flipped := r
	flipped.Approve = false
	if err := auth.Verify(flipped); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("signature must bind the verdict, got %v", err)
	}

	forged := Resolution{ConfirmationID: "cf-1", Approve: true, OperatorID: "alice"}
	forged.Sign(other)
	if err := auth.Verify(forged); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for foreign key, got %v", err)
	}

	unknown := r
	unknown.OperatorID = "mallory"
	if err := auth.Verify(unknown); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for unknown operator, got %v", err)
	}

	var none *Authenticator
	if err := none.Verify(r); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected nil authenticator to fail closed, got %v", err)
	}
}

func TestNewAuthenticatorRejectsBadKeys(t *testing.T) {
	if _, err := NewAuthenticator([]Operator{{ID: "a", PublicKey: "zz"}}); err == nil {
		t.Error("expected error for malformed key")
	}
	if _, err := NewAuthenticator([]Operator{{PublicKey: strings.Repeat("00", 32)}}); err == nil {
		t.Error("expected error for empty id")
	}
}

func hexKey(s *canon.KeySigner) string {
	return hex.EncodeToString(s.PublicKey())
}
