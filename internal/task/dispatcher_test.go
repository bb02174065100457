package task

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/pushhub/internal/model"
)

// mockTaskRepo はテスト用のタスクリポジトリ。
type mockTaskRepo struct {
	enqueued    []*model.Task
	enqueueErrs int
	tasks       []*model.Task
}

func (m *mockTaskRepo) Enqueue(ctx context.Context, task *model.Task) error {
	if m.enqueueErrs > 0 {
		m.enqueueErrs--
		return errors.New("接続エラー")
	}
	m.enqueued = append(m.enqueued, task)
	return nil
}

func (m *mockTaskRepo) ClaimAndRun(ctx context.Context, queue string, limit int, handle func(ctx context.Context, task *model.Task)) (int, error) {
	var rest []*model.Task
	count := 0
	for _, task := range m.tasks {
		if task.Queue == queue && count < limit {
			handle(ctx, task)
			count++
			continue
		}
		rest = append(rest, task)
	}
	m.tasks = rest
	return count, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestDispatcher_Enqueue_RetriesLocally(t *testing.T) {
	repo := &mockTaskRepo{enqueueErrs: 2}
	d := NewDispatcher(repo, testLogger(), time.Second, 10)

	task := model.NewTask("t1", QueueFeedPulls, time.Now(), nil)
	if err := d.Enqueue(context.Background(), task); err != nil {
		t.Fatalf("2回の失敗後に成功するべき: %v", err)
	}
	if len(repo.enqueued) != 1 {
		t.Errorf("投入件数 = %d, want 1", len(repo.enqueued))
	}
}

func TestDispatcher_Enqueue_SurfacesAfterMaxAttempts(t *testing.T) {
	repo := &mockTaskRepo{enqueueErrs: 3}
	d := NewDispatcher(repo, testLogger(), time.Second, 10)

	task := model.NewTask("t1", QueueFeedPulls, time.Now(), nil)
	if err := d.Enqueue(context.Background(), task); err == nil {
		t.Error("3回失敗したらエラーを返すべき")
	}
}

func TestDispatcher_DispatchByPath(t *testing.T) {
	repo := &mockTaskRepo{}
	d := NewDispatcher(repo, testLogger(), time.Second, 10)

	var handled []string
	d.Register("/work/pull_feeds", func(ctx context.Context, task *model.Task) {
		handled = append(handled, task.Name)
	})

	repo.tasks = []*model.Task{
		model.NewTask("t1", QueueFeedPulls, time.Now(), map[string]string{PayloadPathKey: "/work/pull_feeds"}),
		model.NewTask("t2", QueueFeedPulls, time.Now(), map[string]string{PayloadPathKey: "/work/unknown"}),
	}
	claimed, err := repo.ClaimAndRun(context.Background(), QueueFeedPulls, 10, d.dispatch)
	if err != nil {
		t.Fatalf("ClaimAndRun: %v", err)
	}
	if claimed != 2 {
		t.Errorf("claimed = %d, want 2", claimed)
	}
	// 未登録パスは破棄され、登録済みパスだけが処理される
	if len(handled) != 1 || handled[0] != "t1" {
		t.Errorf("handled = %v, want [t1]", handled)
	}
}
