package repository

import (
	"testing"
)

// 各Postgres実装が対応するリポジトリインターフェースを満たすことを検証
func TestPostgresRepos_ImplementInterfaces(t *testing.T) {
	var _ SubscriptionRepository = (*PostgresSubscriptionRepo)(nil)
	var _ FeedToFetchRepository = (*PostgresFeedToFetchRepo)(nil)
	var _ FeedRecordRepository = (*PostgresFeedRecordRepo)(nil)
	var _ EventRepository = (*PostgresEventRepo)(nil)
	var _ KnownFeedRepository = (*PostgresKnownFeedRepo)(nil)
	var _ TaskRepository = (*PostgresTaskRepo)(nil)
}

// コンストラクタが正しく初期化されることを検証
func TestNewPostgresRepos_Initialize(t *testing.T) {
	if NewPostgresSubscriptionRepo(nil) == nil {
		t.Error("SubscriptionRepoがnilであるべきでない")
	}
	if NewPostgresFeedToFetchRepo(nil) == nil {
		t.Error("FeedToFetchRepoがnilであるべきでない")
	}
	if NewPostgresFeedRecordRepo(nil) == nil {
		t.Error("FeedRecordRepoがnilであるべきでない")
	}
	if NewPostgresEventRepo(nil) == nil {
		t.Error("EventRepoがnilであるべきでない")
	}
	if NewPostgresKnownFeedRepo(nil) == nil {
		t.Error("KnownFeedRepoがnilであるべきでない")
	}
	if NewPostgresTaskRepo(nil) == nil {
		t.Error("TaskRepoがnilであるべきでない")
	}
}
