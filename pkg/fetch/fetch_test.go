package fetch_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxmox/proxmox-offline-mirror/pkg/fetch"
	"github.com/proxmox/proxmox-offline-mirror/pkg/mirrorerr"
)

func TestGetOK(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload"))
	}))
	t.Cleanup(srv.Close)

	f := fetch.New()
	res, err := f.Get(context.Background(), srv.URL, fetch.Options{})
	require.NoError(t, err)
	assert.Equal(t, "payload", string(res.Body))
}

func TestGetNonOKStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	f := fetch.New()
	_, err := f.Get(context.Background(), srv.URL, fetch.Options{})
	require.Error(t, err)
	assert.True(t, mirrorerr.Is(err, mirrorerr.KindUpstream))
}

func TestGetTooLarge(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("this payload is too big for the configured ceiling"))
	}))
	t.Cleanup(srv.Close)

	f := fetch.New()
	_, err := f.Get(context.Background(), srv.URL, fetch.Options{MaxBytes: 4})
	require.Error(t, err)
	assert.True(t, mirrorerr.Is(err, mirrorerr.KindTooLarge))
}

func TestGetConditionalReusesValidator(t *testing.T) {
	t.Parallel()
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte("payload"))
	}))
	t.Cleanup(srv.Close)

	f := fetch.New()
	_, err := f.Get(context.Background(), srv.URL, fetch.Options{Conditional: true})
	require.NoError(t, err)

	_, err = f.Get(context.Background(), srv.URL, fetch.Options{Conditional: true})
	require.ErrorIs(t, err, fetch.ErrNotModified)
	assert.Equal(t, 2, calls)
}
