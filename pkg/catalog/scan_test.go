package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"bootmirror/pkg/fetch"
	"bootmirror/pkg/image"
)

func testEntry(arch, release, content, path string) indexEntry {
	return indexEntry{
		OS:      "ubuntu",
		Arch:    arch,
		SubArch: "generic",
		KFlavor: "generic",
		Release: release,
		Label:   "stable",
		SHA256:  digest.FromString(content).Encoded(),
		Path:    path,
		Size:    int64(len(content)),
	}
}

func serveIndex(t *testing.T, entries ...indexEntry) *httptest.Server {
	t.Helper()
	raw, err := json.Marshal(indexDocument{Format: "index:1.0", Images: entries})
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(raw)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testFetcher(t *testing.T) fetch.Fetcher {
	t.Helper()
	f, err := fetch.NewHTTPFetcher(fetch.WithAttempts(1))
	require.NoError(t, err)
	return f
}

func specFor(e indexEntry) image.Spec {
	return image.Spec{
		OS:      e.OS,
		Arch:    e.Arch,
		SubArch: e.SubArch,
		KFlavor: e.KFlavor,
		Release: e.Release,
		Label:   e.Label,
	}
}

func TestScanBuildsIndexAndOrigins(t *testing.T) {
	t.Parallel()

	kernel := testEntry("amd64", "noble", "kernel bytes", "boot/kernel-amd64")
	initrd := testEntry("arm64", "noble", "initrd bytes", "boot/initrd-arm64")
	srv := serveIndex(t, kernel, initrd)

	scanner, err := NewScanner(testFetcher(t))
	require.NoError(t, err)

	resolved, err := scanner.Scan(context.Background(), []*Source{
		{URL: srv.URL + "/streams/v1/index.json"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, resolved.Index.Len())

	res := resolved.Index.Get(specFor(kernel))
	require.NotNil(t, res)
	require.Equal(t, "kernel-amd64", res.Filename)
	require.Equal(t, int64(len("kernel bytes")), res.Size)

	// Entry paths resolve relative to the index URL.
	require.Equal(t,
		[]string{srv.URL + "/streams/v1/boot/kernel-amd64"},
		resolved.Origins[res.SHA256])
}

func TestScanFirstSourceWins(t *testing.T) {
	t.Parallel()

	// Both sources publish the same spec with different content; the
	// higher-priority source must win regardless of configuration order.
	primary := testEntry("amd64", "noble", "primary content", "boot/kernel")
	secondary := testEntry("amd64", "noble", "secondary content", "boot/kernel")
	primarySrv := serveIndex(t, primary)
	secondarySrv := serveIndex(t, secondary)

	scanner, err := NewScanner(testFetcher(t))
	require.NoError(t, err)

	resolved, err := scanner.Scan(context.Background(), []*Source{
		{URL: secondarySrv.URL + "/index.json", Priority: 10},
		{URL: primarySrv.URL + "/index.json", Priority: 20},
	})
	require.NoError(t, err)
	require.Equal(t, 1, resolved.Index.Len())

	res := resolved.Index.Get(specFor(primary))
	require.NotNil(t, res)
	require.Equal(t, primary.SHA256, res.SHA256.Encoded())
}

func TestScanCoalescesOriginsForSameChecksum(t *testing.T) {
	t.Parallel()

	entry := testEntry("amd64", "noble", "shared content", "boot/kernel")
	srvA := serveIndex(t, entry)
	srvB := serveIndex(t, entry)

	scanner, err := NewScanner(testFetcher(t))
	require.NoError(t, err)

	resolved, err := scanner.Scan(context.Background(), []*Source{
		{URL: srvA.URL + "/index.json", Priority: 20},
		{URL: srvB.URL + "/index.json", Priority: 10},
	})
	require.NoError(t, err)
	require.Equal(t, 1, resolved.Index.Len())

	sha := digest.FromString("shared content")
	require.Equal(t, []string{
		srvA.URL + "/boot/kernel",
		srvB.URL + "/boot/kernel",
	}, resolved.Origins[sha])
}

func TestScanSkipsBrokenSource(t *testing.T) {
	t.Parallel()

	entry := testEntry("amd64", "noble", "kernel bytes", "boot/kernel")
	good := serveIndex(t, entry)
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(broken.Close)

	scanner, err := NewScanner(testFetcher(t))
	require.NoError(t, err)

	resolved, err := scanner.Scan(context.Background(), []*Source{
		{URL: broken.URL + "/index.json", Priority: 20},
		{URL: good.URL + "/index.json", Priority: 10},
	})
	// The broken source is reported but does not hide the good one.
	require.Error(t, err)
	require.NotNil(t, resolved)
	require.Equal(t, 1, resolved.Index.Len())
}

func TestScanSkipsInvalidEntries(t *testing.T) {
	t.Parallel()

	valid := testEntry("amd64", "noble", "kernel bytes", "boot/kernel")
	invalid := testEntry("arm64", "noble", "initrd bytes", "boot/initrd")
	invalid.SHA256 = "not-a-checksum"
	srv := serveIndex(t, valid, invalid)

	scanner, err := NewScanner(testFetcher(t))
	require.NoError(t, err)

	resolved, err := scanner.Scan(context.Background(), []*Source{
		{URL: srv.URL + "/index.json"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, resolved.Index.Len())
	require.Nil(t, resolved.Index.Get(specFor(invalid)))
}

func TestScanCachesVerifiedIndexes(t *testing.T) {
	t.Parallel()

	entry := testEntry("amd64", "noble", "kernel bytes", "boot/kernel")
	raw, err := json.Marshal(indexDocument{Format: "index:1.0", Images: []indexEntry{entry}})
	require.NoError(t, err)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(raw)
	}))
	t.Cleanup(srv.Close)

	scanner, err := NewScanner(testFetcher(t))
	require.NoError(t, err)
	sources := []*Source{{URL: srv.URL + "/index.json"}}

	_, err = scanner.Scan(context.Background(), sources)
	require.NoError(t, err)
	_, err = scanner.Scan(context.Background(), sources)
	require.NoError(t, err)
	require.EqualValues(t, 1, hits.Load())
}

func TestScanSignedSource(t *testing.T) {
	t.Parallel()

	entity, keyringPath := newSigner(t)
	entry := testEntry("amd64", "noble", "kernel bytes", "boot/kernel")
	raw, err := json.Marshal(indexDocument{Format: "index:1.0", Images: []indexEntry{entry}})
	require.NoError(t, err)
	signed := clearsignPayload(t, entity, raw)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(signed)
	}))
	t.Cleanup(srv.Close)

	scanner, err := NewScanner(testFetcher(t))
	require.NoError(t, err)

	resolved, err := scanner.Scan(context.Background(), []*Source{
		{URL: srv.URL + "/index.sjson", KeyringPath: keyringPath},
	})
	require.NoError(t, err)
	require.Equal(t, 1, resolved.Index.Len())
}

func TestScanSignedSourceBadSignature(t *testing.T) {
	t.Parallel()

	entity, _ := newSigner(t)
	_, wrongKeyring := newSigner(t)
	raw, err := json.Marshal(indexDocument{Format: "index:1.0"})
	require.NoError(t, err)
	signed := clearsignPayload(t, entity, raw)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(signed)
	}))
	t.Cleanup(srv.Close)

	scanner, err := NewScanner(testFetcher(t))
	require.NoError(t, err)

	resolved, err := scanner.Scan(context.Background(), []*Source{
		{URL: srv.URL + "/index.sjson", KeyringPath: wrongKeyring},
	})
	require.ErrorIs(t, err, ErrNoSignature)
	require.True(t, resolved.Index.IsEmpty())
}

func TestScanSkipVerification(t *testing.T) {
	t.Parallel()

	entry := testEntry("amd64", "noble", "kernel bytes", "boot/kernel")
	srv := serveIndex(t, entry)

	scanner, err := NewScanner(testFetcher(t))
	require.NoError(t, err)

	// Plain JSON under a signed-looking URL still scans when verification
	// is explicitly disabled.
	resolved, err := scanner.Scan(context.Background(), []*Source{
		{URL: srv.URL + "/index.sjson", SkipVerification: true},
	})
	require.NoError(t, err)
	require.Equal(t, 1, resolved.Index.Len())
}
