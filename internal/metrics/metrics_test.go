package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	// idempotent: calling again should be no-op
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncStart("a", "ready")
	IncStart("a", "ready")
	IncStart("a", "failed")
	IncCrash("a", "ready")
	IncForcedKill("a")
	ObserveStartupDuration("a", 1250*time.Millisecond)
	RecordStateTransition("a", "starting", "ready")
	SetCurrentState("a", "ready", []string{"starting", "ready", "stopped"})

	if got := testutil.ToFloat64(starts.WithLabelValues("a", "ready")); got != 2 {
		t.Fatalf("starts ready = %v", got)
	}
	if got := testutil.ToFloat64(currentStates.WithLabelValues("a", "starting")); got != 0 {
		t.Fatalf("inactive state gauge = %v", got)
	}
	if got := testutil.ToFloat64(currentStates.WithLabelValues("a", "ready")); got != 1 {
		t.Fatalf("active state gauge = %v", got)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"embedsvc_service_starts_total":             false,
		"embedsvc_service_crashes_total":            false,
		"embedsvc_service_forced_kills_total":       false,
		"embedsvc_service_startup_duration_seconds": false,
		"embedsvc_service_state_transitions_total":  false,
		"embedsvc_service_current_state":            false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
}

func TestHelpersNoopBeforeRegister(t *testing.T) {
	regOK.Store(false)
	before := testutil.ToFloat64(forcedKills.WithLabelValues("noop"))
	IncForcedKill("noop")
	if after := testutil.ToFloat64(forcedKills.WithLabelValues("noop")); after != before {
		t.Fatalf("helper recorded without registration: %v -> %v", before, after)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncStart("x", "ready")

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "embedsvc_service_starts_total") {
		t.Fatalf("metrics output missing starts counter")
	}
}

func TestServeStopsWithContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- Serve(ctx, addr) }()

	var resp *http.Response
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, err = http.Get("http://" + addr + "/metrics")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("metrics endpoint never came up: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Serve did not return after cancel")
	}
}
