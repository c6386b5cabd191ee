package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidLocator 表示资源地址无法解析为可缓存的 http/https URL。
var ErrInvalidLocator = errors.New("invalid resource locator")

// Key 是三层缓存共用的资源标识，由规范化后的 URL 字符串构成。
type Key string

// KeyFor 将 locator 规范化（小写 scheme/host、去掉 fragment 与默认端口）后生成 Key，
// 同一个地址的不同写法始终得到相同的 Key。
func KeyFor(locator string) (Key, error) {
	raw := strings.TrimSpace(locator)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidLocator)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidLocator, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocator, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidLocator)
	}
	if port := u.Port(); port != "" && !isDefaultPort(scheme, port) {
		host = host + ":" + port
	}

	canonical := url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     u.Path,
		RawPath:  u.RawPath,
		RawQuery: u.RawQuery,
	}
	if canonical.Path == "" {
		canonical.Path = "/"
	}
	return Key(canonical.String()), nil
}

func isDefaultPort(scheme, port string) bool {
	return (scheme == "http" && port == "80") || (scheme == "https" && port == "443")
}

// String returns the canonical locator.
func (k Key) String() string {
	return string(k)
}

// Digest 返回 Key 的 sha1 十六进制摘要，用作磁盘文件名。
func (k Key) Digest() string {
	sum := sha1.Sum([]byte(k))
	return hex.EncodeToString(sum[:])
}
