package browser

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/grubcrawl/internal/metrics"
	"github.com/Rorqualx/grubcrawl/internal/types"
)

const (
	defaultIPCheckURL = "https://httpbin.org/ip"
	exitIPTimeout     = 15 * time.Second
)

// CheckExitIP loads the IP echo page through the running browser and
// returns the address the outside world sees. It returns "" when there
// is no browser or anything fails; failures are only logged.
func (e *Engine) CheckExitIP(ctx context.Context) string {
	e.lifeMu.Lock()
	b, proxy := e.browser, e.proxy
	e.lifeMu.Unlock()
	if b == nil {
		return ""
	}

	target := e.cfg.IPCheckURL
	if target == "" {
		target = defaultIPCheckURL
	}
	ctx, cancel := context.WithTimeout(ctx, exitIPTimeout)
	defer cancel()

	ip, err := fetchExitIP(ctx, b, target)
	metrics.RecordExitIPCheck(err == nil && ip != "")
	if err != nil {
		log.Warn().Err(err).Str("proxy", proxyURL(proxy)).Msg("Exit IP check failed")
		return ""
	}
	if ip == "" {
		log.Warn().Str("proxy", proxyURL(proxy)).Msg("Exit IP check returned no address")
		return ""
	}
	log.Info().Str("exit_ip", ip).Str("proxy", proxyURL(proxy)).Msg("Exit IP verified")
	return ip
}

func fetchExitIP(ctx context.Context, b types.Browser, target string) (string, error) {
	bc, err := b.NewContext(ctx, types.ContextOptions{})
	if err != nil {
		return "", err
	}
	defer closeQuietly(bc, "ip check context")

	page, err := bc.NewPage(ctx)
	if err != nil {
		return "", err
	}
	defer closeQuietly(page, "ip check page")

	if _, err := page.Navigate(ctx, target, types.WaitLoad, exitIPTimeout); err != nil {
		return "", err
	}
	body, err := page.BodyText(ctx)
	if err != nil {
		return "", err
	}
	return parseExitIP(body), nil
}

// parseExitIP accepts {"origin": "..."} or {"ip": "..."} documents and
// bare address text. A comma separated origin yields its first address.
func parseExitIP(body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return ""
	}

	var doc struct {
		Origin string `json:"origin"`
		IP     string `json:"ip"`
	}
	if strings.HasPrefix(body, "{") {
		if err := json.Unmarshal([]byte(body), &doc); err != nil {
			return ""
		}
		addr := doc.Origin
		if addr == "" {
			addr = doc.IP
		}
		addr, _, _ = strings.Cut(addr, ",")
		return strings.TrimSpace(addr)
	}

	first := strings.Fields(body)[0]
	if net.ParseIP(first) == nil {
		return ""
	}
	return first
}
