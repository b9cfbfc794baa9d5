package proxy

import (
	"fmt"
	"math/rand/v2"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"github.com/user/site-crawler/pkg/utils"
)

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_2) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Safari/605.1.15",
}

// Manager handles the rotation of proxies and user agents.
type Manager struct {
	proxies    []string
	fallback   string
	userAgent  string
	rotateUA   bool
	logger     *zap.Logger
	mu         sync.Mutex
	proxyIndex int
}

// NewManager creates a manager. A non-empty proxy list takes precedence over
// the fallback proxy; with neither, every request goes direct.
func NewManager(proxies []string, fallback, userAgent string, rotateUA bool, logger *zap.Logger) *Manager {
	return &Manager{
		proxies:   append([]string(nil), proxies...),
		fallback:  fallback,
		userAgent: userAgent,
		rotateUA:  rotateUA,
		logger:    logger,
	}
}

// Next returns the proxy for the next attempt, or nil for a direct
// connection. With a rotation list the cursor advances on every call, even
// when the selected entry turns out to be malformed.
func (m *Manager) Next() *url.URL {
	raw := m.pick()
	if raw == "" {
		return nil
	}

	u, err := parse(raw)
	if err != nil {
		m.logger.Warn("Invalid proxy URL, using direct connection",
			zap.String("proxy", utils.RedactURL(raw)),
			zap.Error(err),
		)
		return nil
	}
	return u
}

func (m *Manager) pick() string {
	if len(m.proxies) == 0 {
		return m.fallback
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	proxy := m.proxies[m.proxyIndex]
	m.proxyIndex = (m.proxyIndex + 1) % len(m.proxies)
	return proxy
}

func parse(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("proxy url has no host")
	}
	return u, nil
}

// UserAgent returns the configured user agent, or a random browser user agent
// when rotation is enabled.
func (m *Manager) UserAgent() string {
	if !m.rotateUA {
		return m.userAgent
	}
	return userAgents[rand.IntN(len(userAgents))]
}

// LogConfiguration logs which proxy mode is active with credentials hidden.
func (m *Manager) LogConfiguration() {
	switch {
	case len(m.proxies) > 0:
		redacted := make([]string, len(m.proxies))
		for i, p := range m.proxies {
			redacted[i] = utils.RedactURL(p)
		}
		m.logger.Info("Proxy rotation enabled",
			zap.Int("count", len(m.proxies)),
			zap.Strings("proxies", redacted),
		)
	case m.fallback != "":
		m.logger.Info("Using proxy", zap.String("proxy", utils.RedactURL(m.fallback)))
	default:
		m.logger.Warn("No proxy configured, requests will be made directly")
	}
}
