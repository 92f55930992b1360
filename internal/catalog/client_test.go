package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chanscrape/chanscrape/internal/logging"
	"github.com/chanscrape/chanscrape/pkg/lfn"
)

type fakeCatalog struct {
	t          *testing.T
	pingStatus int
	// echo rewrites the lfn before sending it back
	echo         func(l lfn.LFN) any
	// listEcho is the lfn returned for a pfn list registration; nil omits it
	listEcho     any
	registered   []json.RawMessage
	lastAuth     string
	signedIssued int
}

func (f *fakeCatalog) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(f.pingStatus)
	})
	mux.HandleFunc("GET /get_client_data_for_upload", func(w http.ResponseWriter, r *http.Request) {
		f.lastAuth = r.Header.Get("x-auth-token")
		l, err := lfn.Parse(r.URL.Query().Get("lfn"))
		require.NoError(f.t, err)
		f.signedIssued++
		writeJSON(w, map[string]any{"lfn": f.echo(l), "signed_url": "http://store/upload?sig=1"})
	})
	mux.HandleFunc("POST /knowledge_source/{id}/source_data", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(f.t, "7", r.PathValue("id"))
		var body map[string]json.RawMessage
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		if raw, ok := body["lfn"]; ok {
			f.registered = append(f.registered, raw)
			l, err := lfn.Parse(string(raw))
			require.NoError(f.t, err)
			writeJSON(w, map[string]any{"source_data": map[string]any{"id": 99, "name": "x", "lfn": f.echo(l)}})
			return
		}
		f.registered = append(f.registered, body["lfns"])
		sd := map[string]any{"id": 100, "name": "renamed-elsewhere"}
		if f.listEcho != nil {
			sd["lfn"] = f.listEcho
		}
		writeJSON(w, map[string]any{"source_data": sd})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func identity(l lfn.LFN) any { return l }

func newTestClient(t *testing.T, f *fakeCatalog, mode RegisterMode) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	c, err := New(Config{
		BaseURL:           srv.URL,
		AuthToken:         "secret",
		KnowledgeSourceID: 7,
		Mode:              mode,
	}, staticResolver{}, logging.NewNop())
	require.NoError(t, err)
	return c
}

type staticResolver struct{}

func (staticResolver) LFNToPFN(l lfn.LFN) (string, error) {
	return "s3://h:1/b/" + l.RelativePath(), nil
}

func testLFN(t *testing.T) lfn.LFN {
	t.Helper()
	l, err := lfn.New(lfn.ProtocolS3, "tracer", 1, lfn.SourceTelegram, lfn.Labeled("photos", "chan-1.photo"))
	require.NoError(t, err)
	return l
}

func TestPing(t *testing.T) {
	ctx := context.Background()

	ok := newTestClient(t, &fakeCatalog{t: t, pingStatus: http.StatusOK}, RegisterLFN)
	assert.True(t, ok.Ping(ctx))
	assert.NoError(t, ok.EnsureReachable(ctx))

	down := newTestClient(t, &fakeCatalog{t: t, pingStatus: http.StatusServiceUnavailable}, RegisterLFN)
	assert.False(t, down.Ping(ctx))
	assert.ErrorIs(t, down.EnsureReachable(ctx), ErrCatalogUnreachable)
}

func TestPingUnreachableHost(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(Config{BaseURL: url}, nil, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, c.EnsureReachable(context.Background()), ErrCatalogUnreachable)
}

func TestGenerateSignedURL(t *testing.T) {
	f := &fakeCatalog{t: t, pingStatus: http.StatusOK, echo: identity}
	c := newTestClient(t, f, RegisterLFN)

	u, err := c.GenerateSignedURL(context.Background(), testLFN(t))
	require.NoError(t, err)
	assert.Equal(t, "http://store/upload?sig=1", u)
	assert.Equal(t, "secret", f.lastAuth)
}

func TestGenerateSignedURLAcceptsStringEncodedEcho(t *testing.T) {
	f := &fakeCatalog{t: t, echo: func(l lfn.LFN) any { return l.String() }}
	c := newTestClient(t, f, RegisterLFN)

	_, err := c.GenerateSignedURL(context.Background(), testLFN(t))
	assert.NoError(t, err)
}

func TestGenerateSignedURLContractViolation(t *testing.T) {
	tests := []struct {
		name string
		echo func(l lfn.LFN) any
	}{
		{"renamed path", func(l lfn.LFN) any {
			other, _ := lfn.FromParts(l.Protocol(), l.TracerID(), l.JobID(), l.Source(), "renamed.photo")
			return other
		}},
		{"different job", func(l lfn.LFN) any {
			other, _ := lfn.FromParts(l.Protocol(), l.TracerID(), l.JobID()+1, l.Source(), l.RelativePath())
			return other
		}},
		{"missing lfn", func(l lfn.LFN) any { return nil }},
		{"garbage lfn", func(l lfn.LFN) any { return map[string]string{"protocol": "ftp"} }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, &fakeCatalog{t: t, echo: tc.echo}, RegisterLFN)
			u, err := c.GenerateSignedURL(context.Background(), testLFN(t))
			assert.ErrorIs(t, err, ErrContractViolation)
			assert.Empty(t, u)
		})
	}
}

func TestGenerateSignedURLNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL}, nil, nil)
	require.NoError(t, err)
	_, err = c.GenerateSignedURL(context.Background(), testLFN(t))
	assert.ErrorIs(t, err, ErrRequestFailed)
	assert.ErrorContains(t, err, "401")
}

func TestRegisterNewSourceData(t *testing.T) {
	f := &fakeCatalog{t: t, echo: identity}
	c := newTestClient(t, f, RegisterLFN)
	l := testLFN(t)

	sd, err := c.RegisterNewSourceData(context.Background(), l)
	require.NoError(t, err)
	assert.Equal(t, int64(99), sd.ID)
	assert.Equal(t, l, sd.LFN)
	require.Len(t, f.registered, 1)

	sent, err := lfn.Parse(string(f.registered[0]))
	require.NoError(t, err)
	assert.Equal(t, l, sent)
}

func TestRegisterNewSourceDataMismatch(t *testing.T) {
	f := &fakeCatalog{t: t, echo: func(l lfn.LFN) any { return l.WithProtocol(lfn.ProtocolLocal) }}
	c := newTestClient(t, f, RegisterLFN)

	_, err := c.RegisterNewSourceData(context.Background(), testLFN(t))
	assert.ErrorIs(t, err, ErrContractViolation)
}

func TestRegisterPFNList(t *testing.T) {
	l := testLFN(t)
	f := &fakeCatalog{t: t, echo: identity, listEcho: l}
	c := newTestClient(t, f, RegisterPFNList)

	sd, err := c.RegisterNewSourceData(context.Background(), l)
	require.NoError(t, err)
	assert.Equal(t, int64(100), sd.ID)

	require.Len(t, f.registered, 1)
	var pfns []string
	require.NoError(t, json.Unmarshal(f.registered[0], &pfns))
	assert.Equal(t, []string{"s3://h:1/b/" + l.RelativePath()}, pfns)
}

func TestRegisterPFNListRequiresEcho(t *testing.T) {
	l := testLFN(t)
	tests := []struct {
		name string
		echo any
	}{
		{"missing", nil},
		{"other lfn", l.WithProtocol(lfn.ProtocolLocal)},
		{"not an lfn", map[string]any{"relative_path": 3}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := &fakeCatalog{t: t, echo: identity, listEcho: tc.echo}
			c := newTestClient(t, f, RegisterPFNList)

			sd, err := c.RegisterNewSourceData(context.Background(), l)
			assert.ErrorIs(t, err, ErrContractViolation)
			assert.Nil(t, sd)
			assert.Len(t, f.registered, 1)
		})
	}
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{}, nil, nil)
	assert.Error(t, err)

	_, err = New(Config{BaseURL: "http://x", Mode: RegisterPFNList}, nil, nil)
	assert.Error(t, err)
}
