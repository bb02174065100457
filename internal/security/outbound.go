// Package security は外向きHTTPリクエストのSSRF防止を提供する。
// 検証ハンドシェイク、フィードフェッチ、イベント配信のすべての
// 外向きリクエストがここで生成したクライアントを通る。
package security

import (
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

// allowedPorts はハブが外向きに接続してよいポート番号。
// トピック/コールバックURLの受理判定と同じ集合。
var allowedPorts = []int{
	80, 443, 4443,
	8080, 8081, 8082, 8083, 8084, 8085, 8086, 8087, 8088, 8089,
	8188, 8444, 8990,
}

// NewOutboundClient はSSRF防止機能付きの外向きHTTPクライアントを生成する。
// safeurlがnet.DialerのControlフックでDNS解決後のIPアドレスを検証するため、
// プライベートIP、ループバック、リンクローカル、メタデータIPへの
// リクエストとDNS再バインディング攻撃がブロックされる。
// リダイレクトは追わない。追う/追わないの判断は呼び出し側が
// Locationヘッダーを見て行う。
func NewOutboundClient(timeout time.Duration, devMode bool) *http.Client {
	if devMode {
		// 開発環境ではローカルホストへの接続を許すため素のクライアントを使う
		return &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("http", "https").
		SetAllowedPorts(allowedPorts...).
		Build()

	client := safeurl.Client(config).Client
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return client
}
