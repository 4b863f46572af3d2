// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bureau-foundation/roomserver/lib/federation"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomgraph"
	"github.com/bureau-foundation/roomserver/lib/stateres"
)

func TestObservers(t *testing.T) {
	m := New()
	origin := ref.MustParseServerName("b.example")

	m.ObserveAdmission(roomgraph.OutcomeAccepted, 3*time.Millisecond)
	m.ObserveAdmission(roomgraph.OutcomeAccepted, time.Millisecond)
	m.ObserveAdmission(roomgraph.OutcomeRejected, time.Millisecond)
	m.ObserveFetch(nil)
	m.ObserveFetch(errors.New("timeout"))
	m.ObserveResolution(stateres.OutcomeCacheHit, time.Microsecond)
	m.ObserveSend(origin, 7, nil)
	m.ObserveSend(origin, 7, errors.New("refused"))
	m.ObserveReceive(origin, federation.ReceiveDuplicate)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"accepted", promtest.ToFloat64(m.admissions.WithLabelValues("accepted")), 2},
		{"rejected", promtest.ToFloat64(m.admissions.WithLabelValues("rejected")), 1},
		{"fetch ok", promtest.ToFloat64(m.fetches.WithLabelValues("ok")), 1},
		{"fetch error", promtest.ToFloat64(m.fetches.WithLabelValues("error")), 1},
		{"cache hit", promtest.ToFloat64(m.resolutions.WithLabelValues("cache_hit")), 1},
		{"sent ok", promtest.ToFloat64(m.transactionsSent.WithLabelValues("ok")), 1},
		{"sent error", promtest.ToFloat64(m.transactionsSent.WithLabelValues("error")), 1},
		{"pdus sent", promtest.ToFloat64(m.pdusSent), 7},
		{"received duplicate", promtest.ToFloat64(m.transactionsRecvd.WithLabelValues("duplicate")), 1},
	}
	for _, check := range checks {
		if check.got != check.want {
			t.Errorf("%s = %v, want %v", check.name, check.got, check.want)
		}
	}
	if count := promtest.CollectAndCount(m.admissionDuration); count != 1 {
		t.Errorf("admission histogram has %d series, want 1", count)
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.ObserveReceive(ref.MustParseServerName("b.example"), federation.ReceiveProcessed)

	server := httptest.NewServer(m.Handler())
	defer server.Close()
	response, err := http.Get(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatal(err)
	}
	want := `roomserver_federation_transactions_received_total{outcome="processed"} 1`
	if !strings.Contains(string(body), want) {
		t.Errorf("exposition lacks %q", want)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("exposition lacks the Go runtime collector")
	}
}
