package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	mw "github.com/kiranshivaraju/minewatch/internal/api/middleware"
	"github.com/kiranshivaraju/minewatch/internal/realtime"
	"github.com/kiranshivaraju/minewatch/pkg/models"
	"github.com/stretchr/testify/require"
)

var (
	alice     = models.Principal{Subject: "alice"}
	bob       = models.Principal{Subject: "bob"}
	authority = models.Principal{Subject: "inspector", Role: models.RoleAuthority}
)

// --- recording notifier ---

type notification struct {
	channel realtime.Channel
	event   realtime.Event
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, ch realtime.Channel, ev realtime.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, notification{channel: ch, event: ev})
	return nil
}

func (n *recordingNotifier) all() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.sent...)
}

// --- helpers ---

func jsonReq(t *testing.T, method, path string, body any, p *models.Principal) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	r := httptest.NewRequest(method, path, &buf)
	r.Header.Set("Content-Type", "application/json")
	if p != nil {
		r = r.WithContext(mw.WithPrincipal(r.Context(), *p))
	}
	return r
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

// decodeData unmarshals the data member of a success envelope into dst.
func decodeData(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, dst))
}

type errorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var env struct {
		Error json.RawMessage `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	var out errorResponse
	// details may be a map of strings or absent
	_ = json.Unmarshal(env.Error, &out)
	require.NotEmpty(t, out.Code, w.Body.String())
	return out
}

var errBoom = errors.New("boom")
