package auditevent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/ehr/emr/internal/platform/auth"
)

type failingRepo struct{}

func (failingRepo) Create(context.Context, *AuditEvent) error { return errors.New("db down") }
func (failingRepo) Search(context.Context, SearchParams, int, int) ([]*AuditEvent, int, error) {
	return nil, 0, errors.New("db down")
}

// blockingRepo holds every insert until release is closed.
type blockingRepo struct {
	Repository
	release chan struct{}
	once    sync.Once
	started chan struct{}
}

func newBlockingRepo() *blockingRepo {
	return &blockingRepo{Repository: NewMemoryRepo(), release: make(chan struct{}), started: make(chan struct{})}
}

func (b *blockingRepo) Create(ctx context.Context, e *AuditEvent) error {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return b.Repository.Create(ctx, e)
}

func newCounter() prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Name: "test_audit_dropped_total"})
}

func TestRecorder_PersistsEvents(t *testing.T) {
	repo := NewMemoryRepo()
	r := NewRecorder(repo, zerolog.Nop(), RecorderOptions{QueueSize: 8})

	pid := uuid.New()
	ctx := WithRequestMeta(context.Background(), "10.0.0.1", "curl/8")
	r.Record(ctx, AuditEvent{Action: ActionLogin, PrincipalID: PrincipalRef(pid), Resource: ResourceSession})
	r.Record(ctx, AuditEvent{Action: ActionLoginFailure, IP: "192.168.1.1"})

	if err := r.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	items, total, err := repo.Search(context.Background(), SearchParams{}, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 {
		t.Fatalf("expected 2 events, got %d", total)
	}

	byAction := map[Action]*AuditEvent{}
	for _, e := range items {
		byAction[e.Action] = e
	}
	login := byAction[ActionLogin]
	if login == nil || login.PrincipalID == nil || *login.PrincipalID != pid {
		t.Fatalf("login event missing principal: %+v", login)
	}
	if login.IP != "10.0.0.1" || login.UserAgent != "curl/8" {
		t.Errorf("request meta not applied: %+v", login)
	}
	if login.ID == uuid.Nil || login.CreatedAt.IsZero() {
		t.Errorf("id and timestamp must be assigned: %+v", login)
	}
	if failure := byAction[ActionLoginFailure]; failure.PrincipalID != nil || failure.IP != "192.168.1.1" {
		t.Errorf("anonymous failure event wrong: %+v", failure)
	}
}

func TestRecorder_InsertFailureIsCountedNotReturned(t *testing.T) {
	dropped := newCounter()
	r := NewRecorder(failingRepo{}, zerolog.Nop(), RecorderOptions{QueueSize: 4, Dropped: dropped})

	r.Record(context.Background(), AuditEvent{Action: ActionLogout})
	if err := r.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(dropped); got != 1 {
		t.Errorf("dropped = %v, want 1", got)
	}
}

func TestRecorder_FullQueueDoesNotBlock(t *testing.T) {
	repo := newBlockingRepo()
	dropped := newCounter()
	r := NewRecorder(repo, zerolog.Nop(), RecorderOptions{QueueSize: 1, Dropped: dropped})

	r.Record(context.Background(), AuditEvent{Action: ActionRefresh})
	<-repo.started // worker holds the first event

	done := make(chan struct{})
	go func() {
		r.Record(context.Background(), AuditEvent{Action: ActionRefresh}) // fills the queue
		r.Record(context.Background(), AuditEvent{Action: ActionRefresh}) // dropped
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a full queue")
	}

	close(repo.release)
	if err := r.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(dropped); got != 1 {
		t.Errorf("dropped = %v, want 1", got)
	}
	_, total, _ := repo.Search(context.Background(), SearchParams{}, 10, 0)
	if total != 2 {
		t.Errorf("persisted = %d, want 2", total)
	}
}

func TestRecorder_RecordAfterClose(t *testing.T) {
	dropped := newCounter()
	r := NewRecorder(NewMemoryRepo(), zerolog.Nop(), RecorderOptions{Dropped: dropped})
	if err := r.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	r.Record(context.Background(), AuditEvent{Action: ActionLogin})
	if got := testutil.ToFloat64(dropped); got != 1 {
		t.Errorf("dropped = %v, want 1", got)
	}
}

func TestRecorder_RecordDenial(t *testing.T) {
	repo := NewMemoryRepo()
	r := NewRecorder(repo, zerolog.Nop(), RecorderOptions{})

	p := &auth.Principal{ID: uuid.New(), Role: auth.RolePatient}
	r.RecordDenial(context.Background(), p, auth.NewRoleSet(auth.RoleDoctor), "/api/v1/records/ping")
	if err := r.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	items, _, _ := repo.Search(context.Background(), SearchParams{Action: ActionAccessDenied}, 10, 0)
	if len(items) != 1 {
		t.Fatalf("expected 1 denial, got %d", len(items))
	}
	e := items[0]
	if e.ResourceID != "/api/v1/records/ping" || e.Detail["required"] != "doctor" || e.Detail["role"] != "patient" {
		t.Errorf("unexpected denial event: %+v", e)
	}
}
