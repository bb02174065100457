package model

import "time"

// Task は耐久キューに積まれる名前付きタスクを表す。
// 名前が同じタスクの二重投入は一意制約で吸収されるため、
// リトライ中の再投入は安全に無視される。
type Task struct {
	Name      string
	Queue     string
	ETA       time.Time
	Payload   map[string]string
	CreatedAt time.Time
}

// NewTask は名前・キュー・実行予定時刻からタスクを構築する。
func NewTask(name, queue string, eta time.Time, payload map[string]string) *Task {
	if payload == nil {
		payload = map[string]string{}
	}
	return &Task{
		Name:    name,
		Queue:   queue,
		ETA:     eta,
		Payload: payload,
	}
}
