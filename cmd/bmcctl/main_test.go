package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"codeberg.org/mutker/bmcctl/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "cli-token"

func newBMCServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	auth := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-CSRFTOKEN") != testToken {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			h(w, r)
		}
	}
	reply := func(body string) http.HandlerFunc {
		return auth(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(body))
		})
	}

	mux.HandleFunc("/api/session", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			if r.PostFormValue("username") != "admin" || r.PostFormValue("password") != "secret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			http.SetCookie(w, &http.Cookie{Name: "QSESSIONID", Value: "cli-session", Path: "/"})
			_, _ = w.Write([]byte(`{"ok":0,"privilege":4,"server_name":"bmc-cli","CSRFToken":"` + testToken + `"}`))
		case http.MethodDelete:
			reply(`{"ok":0}`)(w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/settings/fans-mode", reply(`{"control_mode":"auto"}`))
	mux.HandleFunc("/api/chassis-status", reply(`{"power_status":1,"led_status":0}`))
	mux.HandleFunc("/api/status/fan_info", reply(`{"fans":[{"id":0,"index":0,"present":1,"status":0,"speed_rpm":4800,"speed_percent":35}],"fans_power":12,"control_mode":"auto"}`))
	mux.HandleFunc("/api/status/psu_info", reply(`{"present_power_reading":300,"rated_power":1600,"power_supplies":[{"id":0,"present":1,"ps_in_power":200,"ps_out_power":190,"model":"PSU-1600"}]}`))
	mux.HandleFunc("/api/sensors", reply(`[{"id":1,"name":"CPU0_Temp","reading":41.5},{"id":2,"name":"CPU0_Temp_Margin","reading":-50}]`))

	srv := httptest.NewTLSServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func setupEnv(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Setenv("BMCCTL_CONFIG", "")
	return dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	root := newRootCommand()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&out)

	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestLoginStatusLogout(t *testing.T) {
	setupEnv(t)
	srv := newBMCServer(t)
	address := strings.TrimPrefix(srv.URL, "https://")

	out, err := run(t, "login", address, "admin", "--password", "secret")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Logged in to "+address+" (bmc-cli)")

	out, err = run(t, "status", "--json")
	require.NoError(t, err, out)

	var snap map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.Equal(t, "logged_in", snap["state"])
	assert.Equal(t, address, snap["address"])
	assert.NotNil(t, snap["last_updated"])
	temps, ok := snap["cpu_temps"].([]any)
	require.True(t, ok)
	assert.Len(t, temps, 1)

	out, err = run(t, "power", "status")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Power: on")

	out, err = run(t, "psu")
	require.NoError(t, err, out)
	assert.Contains(t, out, "PSU-1600")
	assert.Contains(t, out, "95.0%")

	out, err = run(t, "sensors", "--cpu")
	require.NoError(t, err, out)
	assert.Contains(t, out, "41.5")

	out, err = run(t, "logout")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Logged out")

	_, err = run(t, "status")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrNoSession))
}

func TestLoginRejected(t *testing.T) {
	setupEnv(t)
	srv := newBMCServer(t)
	address := strings.TrimPrefix(srv.URL, "https://")

	_, err := run(t, "login", address, "admin", "--password", "wrong")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrUnauthorized))
}

func TestLoginRequiresAddress(t *testing.T) {
	setupEnv(t)

	_, err := run(t, "login")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrMissingConfig))
}

func TestParseInt(t *testing.T) {
	n, err := parseInt("42", "duty")
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	_, err = parseInt("x", "duty")
	assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument))
}
