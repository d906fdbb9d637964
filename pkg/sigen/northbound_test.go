package sigen

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeNBEnvelope(w http.ResponseWriter, data interface{}) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"code": 0,
		"msg":  "success",
		"data": data,
	})
}

func newNorthboundKeyClient(t *testing.T, ts *httptest.Server) *Northbound {
	t.Helper()
	nb, err := NewNorthboundKey("app-key", "app-secret", RegionEU,
		WithNorthboundHTTPClient(ts.Client()), WithNorthboundBaseURL(ts.URL))
	require.NoError(t, err)
	return nb
}

func TestNorthboundKeyLogin(t *testing.T) {
	var loginCalls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/openapi/auth/login/key":
			atomic.AddInt32(&loginCalls, 1)
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			decoded, err := base64.StdEncoding.DecodeString(body["key"])
			require.NoError(t, err)
			assert.Equal(t, "app-key:app-secret", string(decoded))
			writeNBEnvelope(w, map[string]interface{}{
				"accessToken": "nb-tok",
				"expiresIn":   43199,
			})
		case "/openapi/instruction/SYS-1/settings":
			assert.Equal(t, "Bearer nb-tok", r.Header.Get("Authorization"))
			writeNBEnvelope(w, map[string]interface{}{"energyStorageOperationMode": 6})
		default:
			http.Error(w, "not found: "+r.URL.Path, 404)
		}
	}))
	defer ts.Close()

	nb := newNorthboundKeyClient(t, ts)

	mode, err := nb.QueryMode(context.Background(), "SYS-1")
	require.NoError(t, err)
	assert.Equal(t, NBModeVPP, mode)

	// Token is cached; a second operation must not re-login.
	_, err = nb.QueryMode(context.Background(), "SYS-1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&loginCalls))
}

func TestNorthboundPasswordLogin(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/openapi/auth/login/password", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "user@example.com", body["username"])
		assert.NotEqual(t, "password", body["password"], "password must be sent encrypted")
		writeNBEnvelope(w, map[string]interface{}{"accessToken": "nb-tok"})
	}))
	defer ts.Close()

	c, err := NewClient("user@example.com", "password", RegionEU, WithBaseURL(ts.URL))
	require.NoError(t, err)
	nb, err := c.Northbound()
	require.NoError(t, err)
	require.NoError(t, WithNorthboundHTTPClient(ts.Client())(nb))
	require.NoError(t, WithNorthboundBaseURL(ts.URL)(nb))

	require.NoError(t, nb.Login(context.Background()))
}

func TestNorthboundDoubleEncodedData(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/openapi/auth/login/key":
			// Some deployments string-encode the data payload.
			writeNBEnvelope(w, `{"accessToken":"nb-tok","expiresIn":100000}`)
		case "/openapi/instruction/SYS-9/settings":
			writeNBEnvelope(w, `{"energyStorageOperationMode":0}`)
		default:
			http.Error(w, "not found: "+r.URL.Path, 404)
		}
	}))
	defer ts.Close()

	nb := newNorthboundKeyClient(t, ts)
	mode, err := nb.QueryMode(context.Background(), "SYS-9")
	require.NoError(t, err)
	assert.Equal(t, NBModeMaxSelfConsumption, mode)
}

func TestNorthboundOnboard(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/openapi/auth/login/key":
			writeNBEnvelope(w, map[string]interface{}{"accessToken": "nb-tok"})
		case "/openapi/board/onboard":
			var ids []string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&ids))
			assert.Equal(t, []string{"SYS-1", "SYS-2"}, ids)
			writeNBEnvelope(w, []map[string]interface{}{
				{"systemId": "SYS-1", "result": true},
				{"systemId": "SYS-2", "result": false, "codeList": []int{1009}},
			})
		default:
			http.Error(w, "not found: "+r.URL.Path, 404)
		}
	}))
	defer ts.Close()

	nb := newNorthboundKeyClient(t, ts)
	results, err := nb.Onboard(context.Background(), []string{"SYS-1", "SYS-2"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Result)
	assert.False(t, results[1].Result)
	assert.Equal(t, []int{1009}, results[1].CodeList)
}

func TestNorthboundSwitchMode(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/openapi/auth/login/key":
			writeNBEnvelope(w, map[string]interface{}{"accessToken": "nb-tok"})
		case "/openapi/instruction/settings":
			assert.Equal(t, http.MethodPut, r.Method)
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "SYS-1", body["systemId"])
			assert.Equal(t, float64(NBModeNorthbound), body["energyStorageOperationMode"])
			writeNBEnvelope(w, nil)
		default:
			http.Error(w, "not found: "+r.URL.Path, 404)
		}
	}))
	defer ts.Close()

	nb := newNorthboundKeyClient(t, ts)
	assert.NoError(t, nb.SwitchMode(context.Background(), "SYS-1", NBModeNorthbound))
}

func TestNorthboundErrors(t *testing.T) {
	t.Run("MissingCredentials", func(t *testing.T) {
		var cfgErr *ConfigError
		_, err := NewNorthboundKey("", "secret", RegionEU)
		assert.ErrorAs(t, err, &cfgErr)
		_, err = NewNorthboundKey("key", "secret", Region("nope"))
		assert.ErrorAs(t, err, &cfgErr)
	})

	t.Run("LoginRejected", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]interface{}{"code": 401, "msg": "invalid key"})
		}))
		defer ts.Close()

		nb := newNorthboundKeyClient(t, ts)
		err := nb.Login(context.Background())
		var authErr *AuthError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, "login", authErr.Op)
	})

	t.Run("SettingsMissingMode", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/openapi/auth/login/key":
				writeNBEnvelope(w, map[string]interface{}{"accessToken": "nb-tok"})
			default:
				writeNBEnvelope(w, map[string]interface{}{})
			}
		}))
		defer ts.Close()

		nb := newNorthboundKeyClient(t, ts)
		_, err := nb.QueryMode(context.Background(), "SYS-1")
		var fmtErr *FormatError
		assert.ErrorAs(t, err, &fmtErr)
	})
}
