package integration

import (
	"net/http"
	"testing"

	"github.com/pitabwire/docket/internal/observability"
	"github.com/pitabwire/docket/model"
)

func TestHarness_Startup(t *testing.T) {
	h := NewTestHarness(t, WithRedisIdempotency(nil))

	// Verify the server is running.
	resp := h.GET("/health", Identity{})
	h.AssertStatus(t, resp, http.StatusOK)

	if got := h.Registry.Len(); got != 3 {
		t.Errorf("Registry.Len() = %d, want 3", got)
	}
}

func TestHarness_HealthEndpoints(t *testing.T) {
	h := NewTestHarness(t)

	t.Run("health", func(t *testing.T) {
		var body observability.HealthResponse
		h.AssertJSON(t, h.GET("/health", Identity{}), http.StatusOK, &body)
		if body.Status != "ok" {
			t.Errorf("health status = %q, want ok", body.Status)
		}
	})

	t.Run("ready", func(t *testing.T) {
		var body observability.ReadinessResponse
		h.AssertJSON(t, h.GET("/ready", Identity{}), http.StatusOK, &body)
		if body.Status != "ready" {
			t.Errorf("ready status = %q, want ready", body.Status)
		}
		for _, name := range []string{"templates", "store", "idempotency_store"} {
			if body.Checks[name].Status != "ok" {
				t.Errorf("check %s = %+v, want ok", name, body.Checks[name])
			}
		}
	})
}

func TestHarness_IdentityRequired(t *testing.T) {
	h := NewTestHarness(t)

	t.Run("no identity returns 401", func(t *testing.T) {
		resp := h.GET("/v1/templates", Identity{})
		h.AssertError(t, resp, http.StatusUnauthorized, model.ErrUnauthorized)
	})

	t.Run("firm without actor returns 401", func(t *testing.T) {
		resp := h.GET("/v1/templates", Identity{FirmID: "firm-harbour"})
		h.AssertError(t, resp, http.StatusUnauthorized, model.ErrUnauthorized)
	})

	t.Run("actor without firm returns 401", func(t *testing.T) {
		resp := h.GET("/v1/templates", Identity{ActorID: "user-lawyer"})
		h.AssertError(t, resp, http.StatusUnauthorized, model.ErrUnauthorized)
	})
}

func TestHarness_Templates(t *testing.T) {
	h := NewTestHarness(t)

	var body struct {
		Items []struct {
			Key      string `json:"key"`
			Version  int    `json:"version"`
			IsActive bool   `json:"is_active"`
			Stages   int    `json:"stages"`
		} `json:"items"`
	}
	h.AssertJSON(t, h.GET("/v1/templates", LawyerIdentity()), http.StatusOK, &body)

	type kv struct {
		key     string
		version int
		stages  int
	}
	want := []kv{
		{"estate_administration", 1, 1},
		{"estate_administration", 2, 2},
		{"residential_conveyancing", 1, 4},
	}
	if len(body.Items) != len(want) {
		t.Fatalf("templates = %s, want %d items", FormatJSON(body.Items), len(want))
	}
	for i, w := range want {
		got := body.Items[i]
		if got.Key != w.key || got.Version != w.version || got.Stages != w.stages || !got.IsActive {
			t.Errorf("items[%d] = %+v, want %+v active", i, got, w)
		}
	}
}

func TestHarness_ActivateHelper(t *testing.T) {
	h := NewTestHarness(t)

	result := h.Activate(t, "matter-100", map[string]any{
		"template_key": "residential_conveyancing",
		"conditions":   map[string]any{"leasehold": true},
	}, LawyerIdentity())

	assertEqual(t, "firm_id", result.MatterWorkflow.FirmID, "firm-harbour")
	assertEqual(t, "activated_by_id", result.MatterWorkflow.ActivatedByID, "user-lawyer")
	assertEqual(t, "stages", len(result.Stages), 4)
	assertEqual(t, "tasks", len(result.Tasks), 6)
	if TaskByTitle(result, "Welcome call").ID == "" {
		t.Error("Welcome call task not created")
	}
}

// assertEqual reports a mismatch between got and want for a named value.
func assertEqual[T comparable](t *testing.T, name string, got, want T) {
	t.Helper()
	if got != want {
		t.Errorf("%s = %v, want %v", name, got, want)
	}
}
