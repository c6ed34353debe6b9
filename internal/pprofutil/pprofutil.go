// Package pprofutil serves pprof and a JSON metrics snapshot on a loopback
// HTTP listener when UWU_PPROF=1.
package pprofutil

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"uwushare/internal/metrics"
)

const defaultAddr = "127.0.0.1:6060"

// Server is a running debug listener. The zero value is not usable.
type Server struct {
	srv  *http.Server
	addr string
}

func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	return s.srv.Close()
}

// StartFromEnv returns a nil Server when UWU_PPROF is not "1".
func StartFromEnv(m *metrics.Metrics, log *zap.Logger) (*Server, error) {
	if strings.TrimSpace(os.Getenv("UWU_PPROF")) != "1" {
		return nil, nil
	}
	addr := strings.TrimSpace(os.Getenv("UWU_PPROF_ADDR"))
	if addr == "" {
		addr = defaultAddr
	}
	allowPublic := strings.TrimSpace(os.Getenv("UWU_PPROF_ALLOW_PUBLIC")) == "1"
	if !allowPublic && !isLoopbackBind(addr) {
		return nil, fmt.Errorf("UWU_PPROF_ADDR must be loopback unless UWU_PPROF_ALLOW_PUBLIC=1: %s", addr)
	}
	return Start(addr, m, log)
}

func Start(addr string, m *metrics.Metrics, log *zap.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("pprof listen failed: %w", err)
	}
	actual := ln.Addr().String()
	if log != nil {
		log.Info("pprof enabled", zap.String("url", "http://"+actual+"/debug/pprof/"))
	}
	s := &Server{
		addr: actual,
		srv: &http.Server{
			Addr:              actual,
			Handler:           newMux(m),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	go func() {
		_ = s.srv.Serve(ln)
	}()
	return s, nil
}

func newMux(m *metrics.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("/debug/metrics", func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics disabled", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(m.Snapshot())
	})
	return mux
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
