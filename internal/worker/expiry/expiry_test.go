package expiry

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/websubhub/internal/model"
	"github.com/hitoshi/websubhub/internal/repository"
	"github.com/hitoshi/websubhub/internal/syncutil"
)

const (
	testTopicURL = "http://sta.example.com/v1.1/Things"
	testTopicKey = "Things"
)

type fakeReleaser struct {
	mu       sync.Mutex
	released []string
	err      error
}

func (f *fakeReleaser) Release(_ context.Context, topicKey, callback string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, callback)
	return 0, f.err
}

// failingRepo はListExpiredが失敗するリポジトリ。
type failingRepo struct {
	*repository.MemoryRepo
}

func (failingRepo) ListExpired(context.Context, time.Time) ([]*model.Subscription, error) {
	return nil, errors.New("connection reset")
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestJob_Run_DeletesExpired(t *testing.T) {
	ctx := context.Background()
	created := time.Unix(1_700_000_000, 0)
	repo := repository.NewMemoryRepo()
	repo.Now = func() time.Time { return created }

	if err := repo.CreateSubscription(ctx, testTopicURL, testTopicKey, "http://a.example.com/", 60, ""); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	if err := repo.CreateSubscription(ctx, testTopicURL, testTopicKey, "http://b.example.com/", 3600, ""); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	releaser := &fakeReleaser{}
	var buf bytes.Buffer
	job := NewJob(repo, releaser, nil, newTestLogger(&buf))
	job.Now = func() time.Time { return created.Add(10 * time.Minute) }

	n, err := job.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}

	if sub, _ := repo.FindSubscription(ctx, testTopicKey, "http://a.example.com/"); sub != nil {
		t.Error("expired subscription should be deleted")
	}
	if sub, _ := repo.FindSubscription(ctx, testTopicKey, "http://b.example.com/"); sub == nil {
		t.Error("live subscription should remain")
	}
	if len(releaser.released) != 1 || releaser.released[0] != "http://a.example.com/" {
		t.Errorf("released = %v", releaser.released)
	}
}

// 満了時刻ちょうどの購読は削除しないことを検証
func TestJob_Run_BoundaryIsNotExpired(t *testing.T) {
	ctx := context.Background()
	created := time.Unix(1_700_000_000, 0)
	repo := repository.NewMemoryRepo()
	repo.Now = func() time.Time { return created }
	if err := repo.CreateSubscription(ctx, testTopicURL, testTopicKey, "http://a.example.com/", 60, ""); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	var buf bytes.Buffer
	job := NewJob(repo, &fakeReleaser{}, nil, newTestLogger(&buf))
	job.Now = func() time.Time { return created.Add(60 * time.Second) }

	n, err := job.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if n != 0 {
		t.Errorf("deleted = %d, want 0", n)
	}
}

// 購読単位のロックを保持した更新が終わってから再読込し、更新済みの購読を削除しないことを検証
func TestJob_Run_RenewalUnderLockIsKept(t *testing.T) {
	ctx := context.Background()
	created := time.Unix(1_700_000_000, 0)
	var nowMu sync.Mutex
	repoNow := created
	repo := repository.NewMemoryRepo()
	repo.Now = func() time.Time {
		nowMu.Lock()
		defer nowMu.Unlock()
		return repoNow
	}
	const cb = "http://a.example.com/"
	if err := repo.CreateSubscription(ctx, testTopicURL, testTopicKey, cb, 60, ""); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	locks := syncutil.NewSubscriptionLocks()
	releaser := &fakeReleaser{}
	var buf bytes.Buffer
	job := NewJob(repo, releaser, locks, newTestLogger(&buf))
	job.Now = func() time.Time { return created.Add(time.Hour) }

	unlock := locks.Lock(testTopicKey, cb)
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := job.Run(ctx)
		done <- result{n, err}
	}()

	select {
	case r := <-done:
		t.Fatalf("Run returned while the subscription lock was held: %+v", r)
	case <-time.After(100 * time.Millisecond):
	}

	// ロック保持中に再購読でリースを延長する
	nowMu.Lock()
	repoNow = created.Add(50 * time.Minute)
	nowMu.Unlock()
	if err := repo.CreateSubscription(ctx, testTopicURL, testTopicKey, cb, 3600, ""); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	unlock()

	r := <-done
	if r.err != nil {
		t.Fatalf("Run() error = %v", r.err)
	}
	if r.n != 0 {
		t.Errorf("deleted = %d, want 0", r.n)
	}
	if len(releaser.released) != 0 {
		t.Errorf("released = %v, want none", releaser.released)
	}
	if s, _ := repo.FindSubscription(ctx, testTopicKey, cb); s == nil {
		t.Error("renewed subscription was deleted")
	}
}

// 需要の解放に失敗しても削除は継続することを検証
func TestJob_Run_ReleaseErrorIsLogged(t *testing.T) {
	ctx := context.Background()
	created := time.Unix(1_700_000_000, 0)
	repo := repository.NewMemoryRepo()
	repo.Now = func() time.Time { return created }
	for _, cb := range []string{"http://a.example.com/", "http://b.example.com/"} {
		if err := repo.CreateSubscription(ctx, testTopicURL, testTopicKey, cb, 60, ""); err != nil {
			t.Fatalf("CreateSubscription: %v", err)
		}
	}

	var buf bytes.Buffer
	job := NewJob(repo, &fakeReleaser{err: errors.New("not connected")}, nil, newTestLogger(&buf))
	job.Now = func() time.Time { return created.Add(time.Hour) }

	n, err := job.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}
	if !bytes.Contains(buf.Bytes(), []byte("ブローカー需要の解放に失敗しました")) {
		t.Errorf("release failure should be logged: %s", buf.String())
	}
}

func TestJob_Run_ListError(t *testing.T) {
	var buf bytes.Buffer
	job := NewJob(failingRepo{repository.NewMemoryRepo()}, &fakeReleaser{}, nil, newTestLogger(&buf))

	if _, err := job.Run(context.Background()); err == nil {
		t.Fatal("Run() should return error")
	}
}

// コンテキストのキャンセルでStartが終了することを検証
func TestJob_Start_StopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	job := NewJob(repository.NewMemoryRepo(), &fakeReleaser{}, nil, newTestLogger(&buf))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not stop after cancel")
	}
}
