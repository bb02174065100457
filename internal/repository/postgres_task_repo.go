package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/pushhub/internal/model"
)

// PostgresTaskRepo はPostgreSQLを使用した名前付きタスクキュー。
// 名前の一意制約で重複投入を吸収し、FOR UPDATE SKIP LOCKEDで
// 複数ワーカーの同時取得を排他する。
type PostgresTaskRepo struct {
	db *sql.DB
}

// NewPostgresTaskRepo はPostgresTaskRepoを生成する。
func NewPostgresTaskRepo(db *sql.DB) *PostgresTaskRepo {
	return &PostgresTaskRepo{db: db}
}

// Enqueue はタスクを投入する。同名のタスクが既にあれば何もしない。
func (r *PostgresTaskRepo) Enqueue(ctx context.Context, task *model.Task) error {
	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("タスクペイロードのエンコードに失敗しました: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO tasks (name, queue, eta, payload)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (name) DO NOTHING`,
		task.Name, task.Queue, task.ETA, payload,
	)
	if err != nil {
		return fmt.Errorf("タスクの投入に失敗しました: %w", err)
	}
	return nil
}

// ClaimAndRun は実行期限の来たタスクを排他的に取得して処理する。
// 取得・処理・削除を1トランザクションで行うため、処理中にワーカーが
// 落ちた場合はロールバックされ別のワーカーが再実行する。
func (r *PostgresTaskRepo) ClaimAndRun(ctx context.Context, queue string, limit int, handle func(ctx context.Context, task *model.Task)) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT name, queue, eta, payload
		 FROM tasks
		 WHERE queue = $1 AND eta <= now()
		 ORDER BY eta ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		queue, limit,
	)
	if err != nil {
		return 0, fmt.Errorf("タスクの取得に失敗しました: %w", err)
	}

	var tasks []*model.Task
	for rows.Next() {
		task := &model.Task{}
		var payload []byte
		if err := rows.Scan(&task.Name, &task.Queue, &task.ETA, &payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("タスクの読み取りに失敗しました: %w", err)
		}
		if err := json.Unmarshal(payload, &task.Payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("タスクペイロードのデコードに失敗しました: %w", err)
		}
		tasks = append(tasks, task)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("タスクの走査に失敗しました: %w", err)
	}

	for _, task := range tasks {
		handle(ctx, task)
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE name = $1`, task.Name); err != nil {
			return 0, fmt.Errorf("タスクの削除に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return len(tasks), nil
}

// insertTaskTx は進行中のトランザクション内でタスクを投入する。
// 各リポジトリが状態更新と後続タスクの投入を不可分にするために使う。
func insertTaskTx(ctx context.Context, tx *sql.Tx, task *model.Task) error {
	if task == nil {
		return nil
	}
	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("タスクペイロードのエンコードに失敗しました: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks (name, queue, eta, payload)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (name) DO NOTHING`,
		task.Name, task.Queue, task.ETA, payload,
	)
	if err != nil {
		return fmt.Errorf("タスクの投入に失敗しました: %w", err)
	}
	return nil
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// compile-time interface check
var _ TaskRepository = (*PostgresTaskRepo)(nil)
