package server

import (
	"net/http"
	"testing"
)

func TestDiagStrength(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/episodes", map[string]any{
		"title": "x", "strength": 7,
	}, actorHeaders())
	t.Logf("create: %d %s", res.StatusCode, string(data))
	var m map[string]any
	_ = jsonUnmarshal(data, &m)
	id, _ := m["id"].(string)
	t.Logf("id=%q", id)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/episodes/"+id, nil, actorHeaders())
	t.Logf("get detail: %d %s", res.StatusCode, string(data))
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/episodes/"+id+"/strength", map[string]any{"value": 4}, actorHeaders())
	t.Logf("strength: %d %s", res.StatusCode, string(data))
}
