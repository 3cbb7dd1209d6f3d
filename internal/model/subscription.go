package model

import "time"

// Status は購読の配信状態を表す。
type Status string

const (
	// StatusActive は新規作成、または配信失敗から回復した購読。
	StatusActive Status = "active"
	// StatusUpdated は再購読によりリース・シークレットが更新された購読。
	StatusUpdated Status = "updated"
	// StatusInactive は直近の配信に1回失敗した購読。配信は継続する。
	StatusInactive Status = "inactive"
	// StatusDisabled は連続して配信に失敗した購読。再購読されるまで配信しない。
	StatusDisabled Status = "disabled"
)

// Valid はステータスが定義済みの値かを返す。
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusUpdated, StatusInactive, StatusDisabled:
		return true
	}
	return false
}

// Subscription はトピックとコールバックURLの購読関係を表す。
// (TopicID, Callback)で一意。
type Subscription struct {
	ID        string
	TopicID   string
	TopicKey  string
	TopicURL  string
	Callback  string
	Secret    string // 空文字列はシークレットなし
	Status    Status
	CreatedAt time.Time
	UpdatedAt *time.Time
	ExpiresAt int64 // リース満了時刻（UNIX秒）
}

// HasSecret は配信時に署名が必要かを返す。
func (s *Subscription) HasSecret() bool {
	return s.Secret != ""
}

// Expired はnow時点でリースが満了しているかを返す。
func (s *Subscription) Expired(now time.Time) bool {
	return now.Unix() > s.ExpiresAt
}

// DeliveryOutcome は1購読者への配信結果の分類。
type DeliveryOutcome int

const (
	// OutcomeSuccess は2xxレスポンス。
	OutcomeSuccess DeliveryOutcome = iota
	// OutcomeGone は410レスポンス。購読の削除を意味する。
	OutcomeGone
	// OutcomeFailure はその他のステータスコード、または通信エラー・タイムアウト。
	OutcomeFailure
)

// String はログ・メトリクス用のラベルを返す。
func (o DeliveryOutcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeGone:
		return "gone"
	default:
		return "failure"
	}
}

// NextStatus は現在のステータスと配信結果から次のステータスを返す。
//
//	Inactive --success--> Active
//	Active/Updated --failure--> Inactive
//	Inactive --failure--> Disabled
//
// それ以外の組み合わせではcurrentをそのまま返す。
// OutcomeGoneは状態遷移ではなく削除として呼び出し側で扱う。
func NextStatus(current Status, outcome DeliveryOutcome) Status {
	switch outcome {
	case OutcomeSuccess:
		if current == StatusInactive {
			return StatusActive
		}
	case OutcomeFailure:
		switch current {
		case StatusActive, StatusUpdated:
			return StatusInactive
		case StatusInactive:
			return StatusDisabled
		}
	}
	return current
}
