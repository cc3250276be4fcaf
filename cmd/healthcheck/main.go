// Package main is a container probe for the gamesync control server. It exits
// 0 when the probed endpoint answers 200 and 1 otherwise.
//
// Usage:
//
//	healthcheck [--ready] [--timeout 3s]
//
// The address comes from HTTP_ADDR (default 127.0.0.1:8765). A wildcard host
// is probed on loopback.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"
)

func main() {
	ready := flag.Bool("ready", false, "Probe /readyz instead of /healthz")
	timeout := flag.Duration("timeout", 3*time.Second, "Probe timeout")
	flag.Parse()

	path := "/healthz"
	if *ready {
		path = "/readyz"
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := probe(ctx, http.DefaultClient, probeURL(os.Getenv("HTTP_ADDR"), path)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// probeURL maps the server's listen address to a URL reachable from inside
// the container.
func probeURL(addr, path string) string {
	if addr == "" {
		addr = "127.0.0.1:8765"
	}
	if host, port, err := net.SplitHostPort(addr); err == nil && (host == "" || host == "0.0.0.0" || host == "::") {
		addr = net.JoinHostPort("127.0.0.1", port)
	}
	return "http://" + addr + path
}

func probe(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d", url, resp.StatusCode)
	}
	return nil
}
