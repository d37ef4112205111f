package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:9090/healthz", defaultURL("", "/healthz"))
	assert.Equal(t, "http://127.0.0.1:8081/readyz", defaultURL(":8081", "/readyz"))
	assert.Equal(t, "http://ops.local:9090/readyz", defaultURL("ops.local:9090", "/readyz"))
}

func TestProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/readyz" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	assert.NoError(t, probe(srv.URL+"/healthz", time.Second))
	assert.ErrorContains(t, probe(srv.URL+"/readyz", time.Second), "status 503")
	assert.Error(t, probe("http://127.0.0.1:1/healthz", time.Second))
}
