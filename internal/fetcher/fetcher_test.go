package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFetcher struct {
	body string
	urls []string
}

func (s *stubFetcher) Download(_ context.Context, url string) (io.ReadCloser, error) {
	s.urls = append(s.urls, url)
	return io.NopCloser(strings.NewReader(s.body)), nil
}

func TestScheme(t *testing.T) {
	assert.Equal(t, "", Scheme("members.csv"))
	assert.Equal(t, "", Scheme("/data/members.csv"))
	assert.Equal(t, "https", Scheme("HTTPS://feeds.example.com/m.csv"))
	assert.Equal(t, "ftp", Scheme("ftp://host/m.csv"))
	assert.Equal(t, "file", Scheme("file:///tmp/m.csv"))
}

func TestOpener_LocalPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "members.csv")
	require.NoError(t, os.WriteFile(path, []byte("member_id\n1\n"), 0o644))

	o := &Opener{}
	data, err := o.ReadAll(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "member_id\n1\n", string(data))

	data, err = o.ReadAll(context.Background(), "file://"+path)
	require.NoError(t, err)
	assert.Equal(t, "member_id\n1\n", string(data))
}

func TestOpener_MissingFile(t *testing.T) {
	_, err := (&Opener{}).Open(context.Background(), filepath.Join(t.TempDir(), "nope.csv"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetcher: open")
}

func TestOpener_Dispatch(t *testing.T) {
	httpF := &stubFetcher{body: "h"}
	ftpF := &stubFetcher{body: "f"}
	o := &Opener{HTTP: httpF, FTP: ftpF}

	data, err := o.ReadAll(context.Background(), "https://feeds.example.com/m.csv")
	require.NoError(t, err)
	assert.Equal(t, "h", string(data))

	data, err = o.ReadAll(context.Background(), "ftp://ftp.example.com/m.csv")
	require.NoError(t, err)
	assert.Equal(t, "f", string(data))

	assert.Equal(t, []string{"https://feeds.example.com/m.csv"}, httpF.urls)
	assert.Equal(t, []string{"ftp://ftp.example.com/m.csv"}, ftpF.urls)
}

func TestOpener_UnsupportedScheme(t *testing.T) {
	_, err := (&Opener{}).Open(context.Background(), "s3://bucket/m.csv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported scheme")

	_, err = (&Opener{}).Open(context.Background(), "http://example.com/m.csv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no http fetcher")
}

func TestNewOpener_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "member-history/test", r.Header.Get("User-Agent"))
		w.Write([]byte("[]")) //nolint:errcheck
	}))
	defer srv.Close()

	data, err := NewOpener("member-history/test").ReadAll(context.Background(), srv.URL+"/m.json")
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
}
