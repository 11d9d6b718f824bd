package pipeline

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestLockAcquireIsExclusive(t *testing.T) {
	repo := NewLockRepo(openTestDB(t), nopLog())
	dbc := testCtx()
	holderA := uuid.New()
	holderB := uuid.New()

	ok, err := repo.Acquire(dbc, "pipeline:chapter:novel:n1", holderA, time.Minute)
	if err != nil {
		t.Fatalf("acquire A: %v", err)
	}
	if !ok {
		t.Fatalf("acquire A: want=true got=false")
	}

	ok, err = repo.Acquire(dbc, "pipeline:chapter:novel:n1", holderB, time.Minute)
	if err != nil {
		t.Fatalf("acquire B: %v", err)
	}
	if ok {
		t.Fatalf("acquire B while A holds: want=false got=true")
	}

	// A different resource is independent.
	ok, err = repo.Acquire(dbc, "pipeline:chapter:novel:n2", holderB, time.Minute)
	if err != nil {
		t.Fatalf("acquire other resource: %v", err)
	}
	if !ok {
		t.Fatalf("acquire other resource: want=true got=false")
	}
}

func TestLockExpiredLeaseIsTakenOver(t *testing.T) {
	repo := NewLockRepo(openTestDB(t), nopLog())
	dbc := testCtx()
	stale := uuid.New()
	fresh := uuid.New()

	ok, err := repo.Acquire(dbc, "res", stale, time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("seed stale lock: ok=%v err=%v", ok, err)
	}
	time.Sleep(5 * time.Millisecond)

	ok, err = repo.Acquire(dbc, "res", fresh, time.Minute)
	if err != nil {
		t.Fatalf("takeover: %v", err)
	}
	if !ok {
		t.Fatalf("takeover of expired lease: want=true got=false")
	}

	row, err := repo.Get(dbc, "res")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row == nil || row.HolderID != fresh {
		t.Fatalf("holder after takeover: want=%s got=%+v", fresh, row)
	}
}

func TestLockRenewOnlyByHolder(t *testing.T) {
	repo := NewLockRepo(openTestDB(t), nopLog())
	dbc := testCtx()
	holder := uuid.New()
	other := uuid.New()

	if ok, err := repo.Acquire(dbc, "res", holder, time.Minute); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	ok, err := repo.Renew(dbc, "res", other, time.Minute)
	if err != nil {
		t.Fatalf("renew by other: %v", err)
	}
	if ok {
		t.Fatalf("renew by non-holder: want=false got=true")
	}

	ok, err = repo.Renew(dbc, "res", holder, time.Minute)
	if err != nil {
		t.Fatalf("renew by holder: %v", err)
	}
	if !ok {
		t.Fatalf("renew by holder: want=true got=false")
	}
}

func TestLockReleaseGuardedByHolder(t *testing.T) {
	repo := NewLockRepo(openTestDB(t), nopLog())
	dbc := testCtx()
	holder := uuid.New()
	other := uuid.New()

	if ok, err := repo.Acquire(dbc, "res", holder, time.Minute); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	// A non-holder release must not drop the lock.
	if err := repo.Release(dbc, "res", other); err != nil {
		t.Fatalf("release by other: %v", err)
	}
	if row, _ := repo.Get(dbc, "res"); row == nil {
		t.Fatalf("lock dropped by non-holder release")
	}

	if err := repo.Release(dbc, "res", holder); err != nil {
		t.Fatalf("release by holder: %v", err)
	}
	if row, _ := repo.Get(dbc, "res"); row != nil {
		t.Fatalf("lock still present after holder release: %+v", row)
	}
}

func TestLockSweepExpired(t *testing.T) {
	repo := NewLockRepo(openTestDB(t), nopLog())
	dbc := testCtx()

	if ok, err := repo.Acquire(dbc, "old", uuid.New(), time.Millisecond); err != nil || !ok {
		t.Fatalf("acquire old: ok=%v err=%v", ok, err)
	}
	if ok, err := repo.Acquire(dbc, "live", uuid.New(), time.Minute); err != nil || !ok {
		t.Fatalf("acquire live: ok=%v err=%v", ok, err)
	}
	time.Sleep(5 * time.Millisecond)

	n, err := repo.SweepExpired(dbc)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept count: want=1 got=%d", n)
	}
	if row, _ := repo.Get(dbc, "live"); row == nil {
		t.Fatalf("live lock swept")
	}
}
