package server

import (
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pwproxy/pwproxy/pkg/config"
	"github.com/pwproxy/pwproxy/pkg/log"
)

// handleWeb serves everything that is not an API endpoint: static overrides
// from the web root, then the gateway's own web UI through the reverse
// proxy. Session cookies are re-issued on every response so the dashboard's
// own API calls authenticate against the gateway.
func (s *Server) handleWeb(w http.ResponseWriter, r *http.Request) {
	s.stats.CountWeb()

	suffix := s.cfg.CookieSuffix()
	if s.pw.AuthMode() == config.AuthModeToken {
		// token mode has no real cookies, issue placeholders so the
		// dashboard's cookie checks pass
		w.Header().Add("Set-Cookie", "AuthCookie=1234567890;"+suffix)
		w.Header().Add("Set-Cookie", "UserRecord=1234567890;"+suffix)
	} else if l, ok := s.pw.Local(); ok {
		authCookie, userRecord := l.SessionCookies()
		w.Header().Add("Set-Cookie", "AuthCookie="+authCookie+";"+suffix)
		w.Header().Add("Set-Cookie", "UserRecord="+userRecord+";"+suffix)
	}

	path := r.URL.Path
	if path == "/" || path == "" {
		path = "/index.html"
	}

	if content, contentType, ok := s.staticFile(path); ok {
		if path == "/index.html" {
			content = s.renderIndex(r, content)
		}
		s.setCacheHeaders(w.Header(), contentType)
		w.Header().Set("Content-Type", contentType)
		if _, err := w.Write(content); err != nil {
			log.Ctx(r.Context()).DebugContext(r.Context(), "socket broken sending static response",
				slog.String("path", path))
		}
		return
	}

	if s.webProxy == nil {
		// cloud mode has no device web server behind us
		w.Header().Set("Cache-Control", "no-cache, no-store")
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("Not Found"))
		return
	}
	s.webProxy.ServeHTTP(w, r)
}

// staticFile looks path up under the configured web root.
func (s *Server) staticFile(path string) ([]byte, string, bool) {
	if s.cfg.WebRoot == "" {
		return nil, "", false
	}
	clean := filepath.Clean("/" + path)
	full := filepath.Join(s.cfg.WebRoot, clean)
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, "", false
	}
	contentType := mime.TypeByExtension(filepath.Ext(full))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, true
}

// renderIndex fills the template placeholders in the dashboard index page.
func (s *Server) renderIndex(r *http.Request, content []byte) []byte {
	version, _ := s.pw.Version(r.Context())
	var hash string
	if v, ok := s.pw.Status(r.Context(), "git_hash"); ok {
		hash, _ = v.(string)
	}
	page := string(content)
	page = strings.ReplaceAll(page, "{VERSION}", version)
	page = strings.ReplaceAll(page, "{HASH}", hash)
	page = strings.ReplaceAll(page, "{EMAIL}", s.cfg.Email)
	page = strings.ReplaceAll(page, "{STYLE}", s.cfg.Style+".js")
	return []byte(page)
}

// cacheableTypes are the only asset types browsers may cache, and only when
// the operator opted in. Telemetry responses must never be cached.
var cacheableTypes = []string{"text/css", "application/javascript", "image/png"}

func (s *Server) setCacheHeaders(h http.Header, contentType string) {
	if s.cfg.BrowserCache > 0 {
		for _, t := range cacheableTypes {
			if strings.HasPrefix(contentType, t) {
				h.Set("Cache-Control", "max-age="+strconv.Itoa(s.cfg.BrowserCache))
				return
			}
		}
	}
	h.Set("Cache-Control", "no-cache, no-store")
}
