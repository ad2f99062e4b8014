package controlplane_test

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/galaxycore/constellation/pkg/constellation"
	"github.com/galaxycore/constellation/pkg/controlplane"
	"github.com/galaxycore/constellation/pkg/device"
)

type fakeRegistry struct {
	snap constellation.Snapshot
	ok   bool
}

func (r fakeRegistry) Constellation(id string) (constellation.Snapshot, bool) { return r.snap, r.ok }
func (r fakeRegistry) Devices() []device.Record                              { return nil }

func TestHealthzOK(t *testing.T) {
	srv := controlplane.New(":0", fakeRegistry{}, prometheus.NewRegistry())
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthz", nil)
	srv.Router().ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestConstellationNotFound(t *testing.T) {
	srv := controlplane.New(":0", fakeRegistry{ok: false}, prometheus.NewRegistry())
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/constellations/missing", nil)
	srv.Router().ServeHTTP(w, req)
	if w.Code != 404 {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestConstellationFound(t *testing.T) {
	srv := controlplane.New(":0", fakeRegistry{ok: true, snap: constellation.Snapshot{}}, prometheus.NewRegistry())
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/constellations/abc", nil)
	srv.Router().ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
