package transport

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfloor-dev/floor-manager/internal/v1/directory"
	"github.com/openfloor-dev/floor-manager/internal/v1/envelope"
)

func newDirectoryEngine(t *testing.T) (*gin.Engine, *directory.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := directory.NewStore()
	svc := directory.NewService(store, "tag:openfloor.dev,2025:agent-name-service", "https://ans.example.com")

	engine := gin.New()
	NewDirectoryHandler(svc, nil).RegisterRoutes(engine)
	return engine, store
}

func publishDoc(uri string, capabilities ...string) map[string]any {
	caps := make([]any, 0, len(capabilities))
	for _, c := range capabilities {
		caps = append(caps, c)
	}
	return envelopeDoc("conv-dir", "s:publisher", map[string]any{
		"eventType": "publishManifests",
		"parameters": map[string]any{
			"manifests": []any{
				map[string]any{
					"identification": map[string]any{"speakerUri": uri, "organization": "a.com"},
					"capabilities":   caps,
				},
			},
		},
	})
}

func TestDirectory_PublishEnvelope(t *testing.T) {
	engine, store := newDirectoryEngine(t)

	w := postJSON(t, engine, "/api/v1/manifests/publish", publishDoc("tag:a.com,2025:translator", "translation", "text"))
	require.Equal(t, http.StatusOK, w.Code)

	env, err := envelope.Parse(w.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, env.Events, 1)
	assert.Equal(t, envelope.EventPublishManifests, env.Events[0].EventType)
	assert.Equal(t, float64(1), env.Events[0].Parameters["count"])
	assert.Equal(t, 1, store.Count())
}

func TestDirectory_GetEnvelope(t *testing.T) {
	engine, _ := newDirectoryEngine(t)
	postJSON(t, engine, "/api/v1/manifests/publish", publishDoc("tag:a.com,2025:translator", "translation", "text"))
	postJSON(t, engine, "/api/v1/manifests/publish", publishDoc("tag:b.com,2025:chat", "text"))

	lookup := envelopeDoc("conv-dir", "s:seeker", map[string]any{
		"eventType":  "getManifests",
		"parameters": map[string]any{"capabilities": []any{"translation"}},
	})
	w := postJSON(t, engine, "/api/v1/manifests/get", lookup)
	require.Equal(t, http.StatusOK, w.Code)

	env, err := envelope.Parse(w.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, float64(1), env.Events[0].Parameters["count"])
	manifests := env.Events[0].Parameters["manifests"].([]any)
	require.Len(t, manifests, 1)
	ident := manifests[0].(map[string]any)["identification"].(map[string]any)
	assert.Equal(t, "tag:a.com,2025:translator", ident["speakerUri"])
}

func TestDirectory_MalformedEnvelope(t *testing.T) {
	engine, _ := newDirectoryEngine(t)

	// Not a directory operation.
	w := postJSON(t, engine, "/api/v1/manifests/publish",
		envelopeDoc("conv-dir", "s:a", map[string]any{"eventType": "utterance"}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Unparseable body.
	w = postJSON(t, engine, "/api/v1/manifests/get", map[string]any{"nope": true})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDirectory_SearchAndList(t *testing.T) {
	engine, _ := newDirectoryEngine(t)
	postJSON(t, engine, "/api/v1/manifests/publish", publishDoc("tag:a.com,2025:translator", "translation", "text"))
	postJSON(t, engine, "/api/v1/manifests/publish", publishDoc("tag:b.com,2025:chat", "text"))

	w := getJSON(t, engine, "/api/v1/manifests/search?capabilities=translation")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	w = getJSON(t, engine, "/api/v1/manifests/search?capabilities=text,translation&organization=a.com")
	assert.Equal(t, float64(1), decode(t, w)["count"])

	w = getJSON(t, engine, "/api/v1/manifests/search?speaker_uri=tag:b.com,2025:chat")
	assert.Equal(t, float64(1), decode(t, w)["count"])

	w = getJSON(t, engine, "/api/v1/manifests/list")
	assert.Equal(t, float64(2), decode(t, w)["count"])
}

func TestDirectory_Delete(t *testing.T) {
	engine, store := newDirectoryEngine(t)
	postJSON(t, engine, "/api/v1/manifests/publish", publishDoc("tag:a.com,2025:translator", "translation"))

	req, _ := http.NewRequest(http.MethodDelete, "/api/v1/manifests/tag:a.com,2025:translator", nil)
	w := doRequest(engine, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, store.Count())

	w = doRequest(engine, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDirectory_Info(t *testing.T) {
	engine, _ := newDirectoryEngine(t)

	w := getJSON(t, engine, "/")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "agent-name-service", resp["service"])
	assert.Equal(t, float64(0), resp["manifests"])
}
