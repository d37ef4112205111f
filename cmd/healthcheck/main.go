// Package main probes the downloader's ops server for container health
// checks. It exits 0 when the endpoint answers 2xx and 1 otherwise.
//
// Usage: healthcheck [--path /readyz] [--timeout 5s] [url]
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

func main() {
	path := pflag.String("path", "/healthz", "Endpoint path used when no URL is given")
	timeout := pflag.Duration("timeout", 5*time.Second, "Request timeout")
	pflag.Parse()

	url := pflag.Arg(0)
	if url == "" {
		url = defaultURL(os.Getenv("VALG_OPS_LISTEN"), *path)
	}

	if err := probe(url, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
		os.Exit(1)
	}
}

// defaultURL turns a listen address such as ":9090" into a local URL.
func defaultURL(listen, path string) string {
	if listen == "" {
		listen = ":9090"
	}
	if strings.HasPrefix(listen, ":") {
		listen = "127.0.0.1" + listen
	}
	return "http://" + listen + path
}

func probe(url string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s: status %d", url, resp.StatusCode)
	}
	return nil
}
