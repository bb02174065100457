package model

import "time"

// SubscriptionState は購読のライフサイクル状態を表す。
type SubscriptionState string

const (
	// StateNotVerified は検証待ちの購読。配信対象には含まれない。
	StateNotVerified SubscriptionState = "not_verified"
	// StateVerified は検証済みで配信対象の購読。
	StateVerified SubscriptionState = "verified"
	// StateToDelete は解除済みまたは期限切れで削除待ちの購読。
	StateToDelete SubscriptionState = "to_delete"
)

const (
	// DefaultLeaseSeconds はリース期間が指定されない場合の既定値（5日）。
	DefaultLeaseSeconds = 5 * 24 * 60 * 60
	// MaxLeaseSeconds はリース期間の上限（10日）。
	MaxLeaseSeconds = 10 * 24 * 60 * 60
)

// Subscription は1つの購読（コールバックURLとトピックURLの組）を表す。
// 同じ組に対する購読リクエストは常に同じIDに収束する。
type Subscription struct {
	ID              string
	Callback        string
	Topic           string
	CallbackHash    string
	TopicHash       string
	State           SubscriptionState
	LeaseSeconds    int
	ExpirationTime  time.Time
	ETA             time.Time
	ConfirmFailures int
	VerifyToken     string
	Secret          string
	HMACAlgorithm   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewSubscription はコールバックとトピックから未検証の購読を構築する。
// leaseSecondsが0以下の場合は既定値を、上限を超える場合は上限を適用する。
func NewSubscription(callback, topic, verifyToken, secret string, leaseSeconds int, now time.Time) *Subscription {
	if leaseSeconds <= 0 {
		leaseSeconds = DefaultLeaseSeconds
	}
	if leaseSeconds > MaxLeaseSeconds {
		leaseSeconds = MaxLeaseSeconds
	}
	return &Subscription{
		ID:             SubscriptionKeyName(callback, topic),
		Callback:       callback,
		Topic:          topic,
		CallbackHash:   SHA1Hash(callback),
		TopicHash:      SHA1Hash(topic),
		State:          StateNotVerified,
		LeaseSeconds:   leaseSeconds,
		VerifyToken:    verifyToken,
		Secret:         secret,
		ExpirationTime: now.Add(time.Duration(leaseSeconds) * time.Second),
		ETA:            now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
