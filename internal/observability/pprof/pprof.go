// Package pprof serves net/http/pprof on a separate debug listener.
package pprof

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	logx "wabatch/pkg/logx"
)

const DefaultAddr = "127.0.0.1:6060"

var ErrInsecureBind = errors.New("pprof: non-loopback addr requires token or allow_insecure")

type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
}

func (c Config) addr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return DefaultAddr
}

// Check refuses public binds without a token unless explicitly allowed.
func (c Config) Check() error {
	if !c.AllowInsecure && strings.TrimSpace(c.Token) == "" && !isLoopbackAddr(c.addr()) {
		return ErrInsecureBind
	}
	return nil
}

// Handler returns the pprof mux rooted at /debug/pprof/, guarded by token
// when one is set.
func Handler(token string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", hpprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	return withAuth(token, mux)
}

// Serve runs the debug listener until ctx is done. Run it under
// supervisor.GoRestart so a failed listener is retried.
func Serve(ctx context.Context, cfg Config, log logx.Logger) error {
	if err := cfg.Check(); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", cfg.addr())
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           Handler(cfg.Token),
		ReadHeaderTimeout: 10 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(cctx)
	})
	defer stop()

	log.Info("pprof started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cfg.Token != ""))
	err = srv.Serve(ln)
	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Accept either ?token=<token> or Authorization: Bearer <token>.
		got := r.URL.Query().Get("token")
		if got == "" {
			got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		}
		if got != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
