// Package syncutil はキー単位の排他制御を提供する。
package syncutil

import "sync"

// KeyedMutex はキーごとに独立したミューテックスを提供する。
// 誰も保持していないキーのエントリは解放時に削除されるため、
// キーの種類が増え続けてもマップは肥大化しない。
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex はKeyedMutexを生成する。
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*keyedEntry)}
}

// Lock はkeyのロックを取得し、解放関数を返す。
func (k *KeyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyedEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}

// Len は現在保持または待機中のキー数を返す。テスト用。
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// SubscriptionLocks は(topicKey, callback)単位のロック。
// 購読の永続化とブローカー需要の更新を1つの操作として直列化するため、
// ハンドシェイク・配信・期限切れ削除の全経路で同じインスタンスを共有する。
type SubscriptionLocks struct {
	keys *KeyedMutex
}

// NewSubscriptionLocks はSubscriptionLocksを生成する。
func NewSubscriptionLocks() *SubscriptionLocks {
	return &SubscriptionLocks{keys: NewKeyedMutex()}
}

// Lock は(topicKey, callback)のロックを取得し、解放関数を返す。
func (s *SubscriptionLocks) Lock(topicKey, callback string) (unlock func()) {
	return s.keys.Lock(topicKey + "\x00" + callback)
}
