package model

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// KeyPrefix は全エンティティの主キーに付与する接頭辞。
// 数値だけのハッシュがIDとして扱われる事故を防ぐ。
const KeyPrefix = "hash_"

// SHA1Hash は値のSHA-1ハッシュを16進文字列で返す。
func SHA1Hash(value string) string {
	sum := sha1.Sum([]byte(value))
	return hex.EncodeToString(sum[:])
}

// KeyName は値から主キー文字列を導出する。
// "hash_" + hex(sha1(value)) は保存形式の契約であり変更してはならない。
func KeyName(value string) string {
	return KeyPrefix + SHA1Hash(value)
}

// SubscriptionKeyName はコールバックURLとトピックURLの組から
// 購読の主キーを導出する。
func SubscriptionKeyName(callback, topic string) string {
	return KeyName(fmt.Sprintf("%s\n%s", callback, topic))
}

// SHA1HMAC はdataのHMAC-SHA1署名を16進文字列で返す。
// 配信時のX-Hub-Signatureヘッダーの値に使用する。
func SHA1HMAC(secret string, data []byte) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// ChallengeLength は検証ハンドシェイクのチャレンジ文字列の長さ。
const ChallengeLength = 128

// challengeChars はチャレンジに使用できる文字集合（64文字）。
const challengeChars = "abcdefghijklmnopqrstuvwxyz" +
	"ABCDEFGHIJKLMNOPQRSTUVWXYZ" +
	"0123456789-_"

// RandomChallenge は検証ハンドシェイク用のランダムなチャレンジ文字列を
// 生成する。乱数源が利用できない環境では起動を続けられないためpanicする。
func RandomChallenge() string {
	buf := make([]byte, ChallengeLength)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("乱数の生成に失敗しました: %v", err))
	}
	out := make([]byte, ChallengeLength)
	for i, b := range buf {
		out[i] = challengeChars[int(b)%len(challengeChars)]
	}
	return string(out)
}
