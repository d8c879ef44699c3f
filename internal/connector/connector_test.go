package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildUnknownType(t *testing.T) {
	_, err := Build(Type("FAX"), nil, Options{})
	require.ErrorIs(t, err, ErrUnknownType)

	_, err = ParseType("fax")
	require.ErrorIs(t, err, ErrUnknownType)

	typ, err := ParseType(" trackpod ")
	require.NoError(t, err)
	assert.Equal(t, TypeTrackpod, typ)
}

func TestBuildValidatesConfig(t *testing.T) {
	cases := []struct {
		name string
		typ  Type
		raw  string
	}{
		{"slack bad token", TypeSlack, `{"botToken":"xoxp-1","signingSecret":"s"}`},
		{"slack history range", TypeSlack, `{"botToken":"xoxb-1","signingSecret":"s","maxHistoryResults":500}`},
		{"woo bad key", TypeWooCommerce, `{"baseUrl":"https://shop.test","consumerKey":"x","consumerSecret":"cs_1"}`},
		{"woo bad version", TypeWooCommerce, `{"baseUrl":"https://shop.test","consumerKey":"ck_1","consumerSecret":"cs_1","apiVersion":"wc/v9"}`},
		{"gmail missing client", TypeGmail, `{"clientSecret":"s","redirectUri":"https://app.test/cb"}`},
		{"custom bad method", TypeCustomREST, `{"name":"crm","baseUrl":"https://crm.test","method":"PUT"}`},
		{"custom timeout", TypeCustomREST, `{"name":"crm","baseUrl":"https://crm.test","timeoutMs":100}`},
		{"trackpod no key", TypeTrackpod, `{}`},
		{"malformed json", TypeTrackpod, `{"apiKey":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Build(tc.typ, json.RawMessage(tc.raw), Options{})
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestSlackSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search.messages", r.URL.Path)
		assert.Equal(t, "order 1042", r.FormValue("query"))
		assert.Equal(t, "20", r.FormValue("count"))
		assert.Equal(t, "xoxb-test", slackToken(r))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"messages":{"total":1,"matches":[
			{"text":"shipped today","permalink":"https://x.slack.com/p1","ts":"1700000000.000100","user":"U1","username":"dana","channel":{"id":"C1","name":"ops"}}
		]}}`))
	}))
	defer srv.Close()

	raw, _ := json.Marshal(SlackConfig{BotToken: "xoxb-test", SigningSecret: "s", APIBase: srv.URL})
	c, err := Build(TypeSlack, raw, Options{})
	require.NoError(t, err)

	res := c.RunEnrichment(context.Background(), "order 1042")
	require.True(t, res.Success, res.StatusMessage)
	require.NoError(t, res.Validate())
	require.Len(t, res.Items, 1)
	assert.Equal(t, "#ops @ 2023-11-14T22:13:20Z", res.Items[0].Label)
	assert.Equal(t, "shipped today", res.Items[0].Summary)
	assert.Equal(t, "https://x.slack.com/p1", res.Items[0].URL)
	assert.Equal(t, "dana", res.Items[0].Data["user"])
	assert.Equal(t, "Found 1 result(s)", res.StatusMessage)
}

// slackToken reads the bot token from either place the Slack client may send it.
func slackToken(r *http.Request) string {
	if tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "); tok != "" {
		return tok
	}
	return r.FormValue("token")
}

func TestSlackTestConnection(t *testing.T) {
	var revoked atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth.test", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		if revoked.Load() {
			_, _ = w.Write([]byte(`{"ok":false,"error":"token_revoked"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"team":"Acme","user":"intel-bot","team_id":"T1","user_id":"U9"}`))
	}))
	defer srv.Close()

	raw, _ := json.Marshal(SlackConfig{BotToken: "xoxb-test", SigningSecret: "s", APIBase: srv.URL})
	c, err := Build(TypeSlack, raw, Options{})
	require.NoError(t, err)
	require.NoError(t, c.TestConnection(context.Background()))

	revoked.Store(true)
	err = c.TestConnection(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token_revoked")
}

func TestSlackSearchNotOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":false,"error":"invalid_auth"}`))
	}))
	defer srv.Close()

	raw, _ := json.Marshal(SlackConfig{BotToken: "xoxb-test", SigningSecret: "s", APIBase: srv.URL})
	c, err := Build(TypeSlack, raw, Options{})
	require.NoError(t, err)

	res := c.RunEnrichment(context.Background(), "q")
	assert.False(t, res.Success)
	assert.Equal(t, "Slack search failed: invalid_auth", res.ErrorMessage())
	assert.Empty(t, res.Items)
	require.NoError(t, res.Validate())
}

func TestCustomRESTExtractsRecords(t *testing.T) {
	bodies := map[string]string{
		"array":   `[{"name":"Acme","description":"Key account"},{"title":"Beta"}]`,
		"results": `{"results":[{"name":"Acme","description":"Key account"},{"title":"Beta"}]}`,
		"data":    `{"data":[{"name":"Acme","description":"Key account"},{"title":"Beta"}]}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "acme", r.URL.Query().Get("search"))
				assert.Equal(t, "1", r.URL.Query().Get("page"))
				_, _ = w.Write([]byte(body))
			}))
			defer srv.Close()

			raw, _ := json.Marshal(CustomRESTConfig{Name: "crm", BaseURL: srv.URL + "/find?page=1", QueryParam: "search"})
			c, err := Build(TypeCustomREST, raw, Options{})
			require.NoError(t, err)

			res := c.RunEnrichment(context.Background(), "acme")
			require.True(t, res.Success, res.StatusMessage)
			require.Len(t, res.Items, 2)
			assert.Equal(t, "Acme", res.Items[0].Label)
			assert.Equal(t, "Key account", res.Items[0].Summary)
			assert.Equal(t, "Beta", res.Items[1].Label)
			assert.Equal(t, `{"title":"Beta"}`, res.Items[1].Summary)
		})
	}
}

func TestCustomRESTPost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "acme", body["q"])
		_, _ = w.Write([]byte(`[{"id":7}]`))
	}))
	defer srv.Close()

	raw, _ := json.Marshal(CustomRESTConfig{Name: "crm", BaseURL: srv.URL, Method: "post", Headers: map[string]string{"X-Token": "secret"}})
	c, err := Build(TypeCustomREST, raw, Options{})
	require.NoError(t, err)

	res := c.RunEnrichment(context.Background(), "acme")
	require.True(t, res.Success, res.StatusMessage)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "Result 1", res.Items[0].Label)
}

func TestTrackpodAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	raw, _ := json.Marshal(TrackpodConfig{APIKey: "bad", BaseURL: srv.URL})
	c, err := Build(TypeTrackpod, raw, Options{})
	require.NoError(t, err)

	res := c.RunEnrichment(context.Background(), "R-1")
	assert.False(t, res.Success)
	assert.Equal(t, trackpodAuthFailed, res.ErrorMessage())
}

func TestTrackpodOrderAndRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k", r.Header.Get("X-API-KEY"))
		switch r.URL.Path {
		case "/Order/Number/A1":
			_, _ = w.Write([]byte(`{"Number":"A1","Client":"Acme","Status":"Delivered"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	raw, _ := json.Marshal(TrackpodConfig{APIKey: "k", BaseURL: srv.URL})
	c, err := Build(TypeTrackpod, raw, Options{})
	require.NoError(t, err)

	res := c.RunEnrichment(context.Background(), "A1")
	require.True(t, res.Success, res.StatusMessage)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "Order A1", res.Items[0].Label)

	miss := c.RunEnrichment(context.Background(), "ZZ")
	require.True(t, miss.Success)
	assert.Empty(t, miss.Items)
	assert.Equal(t, "No orders or routes found matching the query", miss.StatusMessage)
}

func TestTrackpodKeepsOrderWhenRouteLookupFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/Order/Number/A1":
			_, _ = w.Write([]byte(`{"Number":"A1","Client":"Acme","Status":"Delivered"}`))
		case "/Route/Code/A1", "/Order/Number/B2", "/Route/Code/B2":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	raw, _ := json.Marshal(TrackpodConfig{APIKey: "k", BaseURL: srv.URL})
	c, err := Build(TypeTrackpod, raw, Options{})
	require.NoError(t, err)

	res := c.RunEnrichment(context.Background(), "A1")
	require.True(t, res.Success, res.StatusMessage)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "Order A1", res.Items[0].Label)
	assert.Contains(t, res.StatusMessage, "TrackPod API error 500")

	both := c.RunEnrichment(context.Background(), "B2")
	assert.False(t, both.Success)
	assert.Equal(t, "TrackPod API error 500", both.ErrorMessage())
}

func TestGmailWithoutTokenFails(t *testing.T) {
	raw := json.RawMessage(`{"clientId":"id","clientSecret":"s","redirectUri":"https://app.test/cb"}`)
	c, err := Build(TypeGmail, raw, Options{})
	require.NoError(t, err)

	res := c.RunEnrichment(context.Background(), "invoice")
	assert.False(t, res.Success)
	require.NoError(t, res.Validate())
}

func TestGmailListsAndFetchesHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/gmail/v1/users/me/messages":
			_, _ = w.Write([]byte(`{"messages":[{"id":"m1"},{"id":"m2"}]}`))
		case "/gmail/v1/users/me/messages/m1":
			_, _ = w.Write([]byte(`{"id":"m1","snippet":"see attached","payload":{"headers":[{"name":"Subject","value":"Invoice 9"}]}}`))
		case "/gmail/v1/users/me/messages/m2":
			_, _ = w.Write([]byte(`{"id":"m2","snippet":"hi"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	raw, _ := json.Marshal(GmailConfig{ClientID: "id", ClientSecret: "s", RedirectURI: "https://app.test/cb", AccessToken: "tok", APIBase: srv.URL})
	c, err := Build(TypeGmail, raw, Options{})
	require.NoError(t, err)

	res := c.RunEnrichment(context.Background(), "invoice")
	require.True(t, res.Success, res.StatusMessage)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "Invoice 9", res.Items[0].Label)
	assert.Equal(t, "(no subject)", res.Items[1].Label)
	assert.Equal(t, "https://mail.google.com/mail/u/0/#inbox/m1", res.Items[0].URL)
}

func TestTimeoutBecomesFailedResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	raw, _ := json.Marshal(SlackConfig{BotToken: "xoxb-test", SigningSecret: "s", APIBase: srv.URL})
	c, err := Build(TypeSlack, raw, Options{DefaultTimeout: 50 * time.Millisecond})
	require.NoError(t, err)

	res := c.RunEnrichment(context.Background(), "q")
	assert.False(t, res.Success)
	require.NoError(t, res.Validate())
}

func TestLimitersShareBucketPerType(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	lims := NewLimiters(0.001, 1)
	raw, _ := json.Marshal(CustomRESTConfig{Name: "crm", BaseURL: srv.URL})
	a, err := Build(TypeCustomREST, raw, Options{Limiters: lims})
	require.NoError(t, err)
	b, err := Build(TypeCustomREST, raw, Options{Limiters: lims})
	require.NoError(t, err)

	require.True(t, a.RunEnrichment(context.Background(), "x").Success)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := b.RunEnrichment(ctx, "x")
	assert.False(t, res.Success)
	assert.Equal(t, "RATE_LIMITED", res.Error.Code)
	assert.Equal(t, int32(1), calls.Load())
}
