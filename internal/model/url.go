package model

import (
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/idna"
)

// validPorts はトピック/コールバックURLで許可するポート番号の集合。
var validPorts = map[string]struct{}{
	"80":   {},
	"443":  {},
	"4443": {},
	"8080": {},
	"8081": {},
	"8082": {},
	"8083": {},
	"8084": {},
	"8085": {},
	"8086": {},
	"8087": {},
	"8088": {},
	"8089": {},
	"8188": {},
	"8444": {},
	"8990": {},
}

// ValidPortList は許可ポートの一覧をソート済みで返す。診断表示用。
func ValidPortList() []string {
	ports := make([]string, 0, len(validPorts))
	for p := range validPorts {
		ports = append(ports, p)
	}
	sort.Strings(ports)
	return ports
}

// IsValidURL はトピック/コールバックとして受理できるURLかを判定する。
// http/httpsのみ、フラグメントなし、ポートは許可リスト内であること。
// devModeでは任意ポートを許可する。
func IsValidURL(rawURL string, devMode bool) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if u.Host == "" {
		return false
	}
	if u.Fragment != "" {
		return false
	}
	port := u.Port()
	if port == "" {
		return true
	}
	if devMode {
		return true
	}
	_, ok := validPorts[port]
	return ok
}

// NormalizeIRI は国際化URL（IRI）をASCIIのみのURLに正規化する。
// ホスト名はIDNA（punycode）でエンコードし、パスやクエリ中の
// 非ASCIIバイトはパーセントエスケープする。既にASCIIのみのURLに
// 対しては恒等写像であり、何度適用しても結果は変わらない。
func NormalizeIRI(rawURL string) string {
	ascii := true
	for i := 0; i < len(rawURL); i++ {
		if rawURL[i] > 0x7f {
			ascii = false
			break
		}
	}
	if ascii {
		return rawURL
	}

	rest := rawURL
	var scheme string
	if idx := strings.Index(rest, "://"); idx != -1 {
		scheme = rest[:idx+3]
		rest = rest[idx+3:]
	}
	var host, tail string
	if idx := strings.IndexAny(rest, "/?#"); idx != -1 {
		host, tail = rest[:idx], rest[idx:]
	} else {
		host = rest
	}

	hostname, port := host, ""
	if idx := strings.LastIndex(host, ":"); idx != -1 && !strings.Contains(host[idx:], "]") {
		hostname, port = host[:idx], host[idx:]
	}
	if encoded, err := idna.Lookup.ToASCII(hostname); err == nil {
		hostname = encoded
	}

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString(hostname)
	b.WriteString(port)
	for i := 0; i < len(tail); i++ {
		c := tail[i]
		if c > 0x7f {
			b.WriteByte('%')
			b.WriteByte(upperHex(c >> 4))
			b.WriteByte(upperHex(c & 0x0f))
		} else {
			b.WriteByte(c)
		}
	}
	return b.String()
}

func upperHex(n byte) byte {
	if n < 10 {
		return '0' + n
	}
	return 'A' + n - 10
}
