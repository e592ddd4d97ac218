package metrics

import (
	"context"
	"errors"
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/cometbft/cometbft/libs/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics("bridge", prometheus.NewRegistry())

	m.IncrementProposals()
	m.RecordValidation(true)
	m.RecordValidation(false)
	m.RecordValidation(false)
	m.RecordCommit(7, 3, 10*time.Millisecond)
	m.RecordShutdown(SourceInterrupt)
	m.IncrementExecutionErrors("commit")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.proposalsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.validationsTotal.WithLabelValues("accepted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.validationsTotal.WithLabelValues("rejected")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.blockHeight))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.transactionsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.shutdownsTotal.WithLabelValues(SourceInterrupt)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.executionErrors.WithLabelValues("commit")))
}

func TestMetricsPerInstanceRegistry(t *testing.T) {
	// two nodes in one process must not collide
	assert.NotPanics(t, func() {
		NopMetrics()
		NopMetrics()
	})
}

type fakeSubmitter struct {
	got [][]byte
	err error
}

func (f *fakeSubmitter) SubmitTx(_ context.Context, tx []byte) error {
	if f.err != nil {
		return f.err
	}
	f.got = append(f.got, tx)
	return nil
}

func TestServerEndpoints(t *testing.T) {
	m := NopMetrics()
	m.SetBlockHeight(4)
	sub := &fakeSubmitter{}
	status := func(context.Context) (interface{}, error) {
		return map[string]uint64{"height": 4}, nil
	}

	s := NewServer("127.0.0.1:0", m, status, sub, log.NewNopLogger())
	require.NoError(t, s.Start())
	defer s.Stop() //nolint:errcheck
	base := "http://" + s.Addr()

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "block_height 4")

	resp, err = http.Get(base + "/status")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.JSONEq(t, `{"height":4}`, string(body))

	resp, err = http.Post(base+"/broadcast_tx", "application/octet-stream", strings.NewReader("tx1"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, [][]byte{[]byte("tx1")}, sub.got)

	sub.err = errors.New("rejected")
	resp, err = http.Post(base+"/broadcast_tx", "application/octet-stream", strings.NewReader("tx2"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(base + "/broadcast_tx")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestBroadcastTxRejectsOversizedBody(t *testing.T) {
	sub := &fakeSubmitter{}
	s := NewServer("127.0.0.1:0", NopMetrics(), nil, sub, log.NewNopLogger())
	require.NoError(t, s.Start())
	defer s.Stop() //nolint:errcheck
	url := "http://" + s.Addr() + "/broadcast_tx"

	resp, err := http.Post(url, "application/octet-stream", bytes.NewReader(make([]byte, maxTxBodyBytes+100)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Empty(t, sub.got)

	resp, err = http.Post(url, "application/octet-stream", bytes.NewReader(make([]byte, maxTxBodyBytes)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, sub.got, 1)
	assert.Len(t, sub.got[0], maxTxBodyBytes)
}
