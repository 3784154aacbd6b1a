package main

import (
	"fmt"
	"net"
	"net/http"

	"github.com/go-kit/log"

	"github.com/mdsproject/mds/internal/statuspage"
)

// startStatusServer serves the debug/status page on ln until it is
// closed or the process exits.
func startStatusServer(ln net.Listener, page *statuspage.Page) error {
	return http.Serve(ln, page.Router())
}

// nopLogger adapts a go-kit logger to the minimal Println-style
// interface github.com/grafana/dskit/signals.NewHandler expects,
// matching how grafana-tempo/cmd/tempo/main.go hands its server's
// logger to the same signal handler.
type nopLogger struct {
	logger log.Logger
}

func (n nopLogger) Println(v ...interface{}) {
	n.logger.Log("msg", fmt.Sprint(v...))
}
