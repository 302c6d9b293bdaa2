package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/ChuLiYu/fieldsync/pkg/types"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingBackend 記錄被呼叫的方法
type recordingBackend struct {
	calls []string
	env   *Envelope
	err   error
}

func (r *recordingBackend) call(name string) (*Envelope, error) {
	r.calls = append(r.calls, name)
	return r.env, r.err
}

func (r *recordingBackend) SubmitWorkRecord(context.Context, Request) (*Envelope, error) {
	return r.call("work_record")
}
func (r *recordingBackend) SubmitProcessingRecord(context.Context, Request) (*Envelope, error) {
	return r.call("processing_record")
}
func (r *recordingBackend) SubmitLocation(context.Context, Request) (*Envelope, error) {
	return r.call("location")
}
func (r *recordingBackend) SubmitClockIn(context.Context, Request) (*Envelope, error) {
	return r.call("clock_in")
}
func (r *recordingBackend) SubmitClockOut(context.Context, Request) (*Envelope, error) {
	return r.call("clock_out")
}
func (r *recordingBackend) SubmitMaterialReceipt(context.Context, Request) (*Envelope, error) {
	return r.call("material_receipt")
}
func (r *recordingBackend) SubmitEquipmentUsage(context.Context, Request) (*Envelope, error) {
	return r.call("equipment_usage")
}

func newOp(opType types.OperationType) *types.Operation {
	return &types.Operation{
		ID:      "op-1",
		Type:    opType,
		Payload: json.RawMessage(`{"qty":3}`),
		Owner: types.OwnerContext{
			UserID:    "worker-7",
			FactoryID: "factory-2",
			OriginAt:  time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		},
	}
}

// ============================================================================
// 分派
// ============================================================================

func TestSubmitDispatchesEveryKnownType(t *testing.T) {
	backend := &recordingBackend{env: &Envelope{Success: true}}
	a := New(backend)

	for _, opType := range types.KnownTypes {
		_, err := a.Submit(context.Background(), newOp(opType))
		require.NoError(t, err, "type %s", opType)
	}

	expected := make([]string, len(types.KnownTypes))
	for i, k := range types.KnownTypes {
		expected[i] = string(k)
	}
	assert.Equal(t, expected, backend.calls)
}

func TestSubmitUnknownTypeIsPermanent(t *testing.T) {
	backend := &recordingBackend{env: &Envelope{Success: true}}
	a := New(backend)

	_, err := a.Submit(context.Background(), newOp("forklift_telemetry"))
	assert.ErrorIs(t, err, ErrUnknownOperationType)
	assert.Equal(t, types.FailurePermanent, Classify(err))
	assert.Empty(t, backend.calls)
}

func TestSubmitNonSuccessEnvelopeIsPermanent(t *testing.T) {
	a := New(&recordingBackend{env: &Envelope{Success: false, Message: "batch closed"}})

	env, err := a.Submit(context.Background(), newOp(types.TypeWorkRecord))
	require.Error(t, err)
	assert.Equal(t, types.FailurePermanent, Classify(err))
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "batch closed")
	require.NotNil(t, env)
	assert.False(t, env.Success)
}

func TestSubmitNilEnvelope(t *testing.T) {
	a := New(&recordingBackend{})
	_, err := a.Submit(context.Background(), newOp(types.TypeLocation))
	assert.Equal(t, types.FailurePermanent, Classify(err))
}

func TestSubmitPassesBackendError(t *testing.T) {
	a := New(&recordingBackend{err: &SubmitError{Class: types.FailureConflict, StatusCode: 409}})
	_, err := a.Submit(context.Background(), newOp(types.TypeEquipmentUsage))
	assert.Equal(t, types.FailureConflict, Classify(err))
}

// ============================================================================
// 分類
// ============================================================================

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want types.FailureClass
	}{
		{"nil", nil, types.FailureNone},
		{"submit error", &SubmitError{Class: types.FailureConflict}, types.FailureConflict},
		{"wrapped submit error", fmt.Errorf("pass: %w", &SubmitError{Class: types.FailurePermanent}), types.FailurePermanent},
		{"unknown type", fmt.Errorf("%w: x", ErrUnknownOperationType), types.FailurePermanent},
		{"deadline", context.DeadlineExceeded, types.FailureRetryable},
		{"plain error", errors.New("connection reset"), types.FailureRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := map[int]types.FailureClass{
		200: types.FailureNone,
		201: types.FailureNone,
		400: types.FailurePermanent,
		401: types.FailurePermanent,
		404: types.FailurePermanent,
		408: types.FailureRetryable,
		409: types.FailureConflict,
		422: types.FailurePermanent,
		425: types.FailureRetryable,
		429: types.FailureRetryable,
		500: types.FailureRetryable,
		503: types.FailureRetryable,
	}
	for code, want := range cases {
		assert.Equal(t, want, ClassifyStatus(code), "status %d", code)
	}
}

// ============================================================================
// HTTPBackend
// ============================================================================

const baseURL = "http://backend.test"

func newMockedBackend(t *testing.T) *HTTPBackend {
	t.Helper()
	b := NewHTTPBackend(baseURL+"/", time.Second, "tablet-9")
	httpmock.ActivateNonDefault(b.Client)
	t.Cleanup(httpmock.DeactivateAndReset)
	return b
}

func TestHTTPBackendSuccess(t *testing.T) {
	b := newMockedBackend(t)

	httpmock.RegisterResponder(http.MethodPost, baseURL+"/api/attendance/clock-out",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "op-1", req.Header.Get("Idempotency-Key"))
			assert.Equal(t, "worker-7", req.Header.Get("X-User-ID"))
			assert.Equal(t, "factory-2", req.Header.Get("X-Factory-ID"))
			assert.Equal(t, "tablet-9", req.Header.Get("X-Device-ID"))
			assert.Equal(t, "2024-01-02T03:04:05Z", req.Header.Get("X-Origin-At"))
			assert.Equal(t, "application/json", req.Header.Get("Content-Type"))

			body, err := io.ReadAll(req.Body)
			require.NoError(t, err)
			assert.JSONEq(t, `{"qty":3}`, string(body))

			return httpmock.NewStringResponse(200, `{"success":true,"data":{"id":42}}`), nil
		})

	env, err := New(b).Submit(context.Background(), newOp(types.TypeClockOut))
	require.NoError(t, err)
	assert.True(t, env.Success)
	assert.JSONEq(t, `{"id":42}`, string(env.Data))
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestHTTPBackendEmptyBodyIsSuccess(t *testing.T) {
	b := newMockedBackend(t)
	httpmock.RegisterResponder(http.MethodPost, baseURL+"/api/locations",
		httpmock.NewStringResponder(204, ""))

	env, err := New(b).Submit(context.Background(), newOp(types.TypeLocation))
	require.NoError(t, err)
	assert.True(t, env.Success)
}

func TestHTTPBackendStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   types.FailureClass
	}{
		{200, `{"success":false,"message":"invalid batch"}`, types.FailurePermanent},
		{409, `{"success":false,"message":"batch modified on server"}`, types.FailureConflict},
		{422, `{"success":false,"message":"quantity must be positive"}`, types.FailurePermanent},
		{429, `slow down`, types.FailureRetryable},
		{500, `internal error`, types.FailureRetryable},
		{503, ``, types.FailureRetryable},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d", tt.status), func(t *testing.T) {
			b := newMockedBackend(t)
			httpmock.RegisterResponder(http.MethodPost, baseURL+"/api/material-receipts",
				httpmock.NewStringResponder(tt.status, tt.body))

			_, err := New(b).Submit(context.Background(), newOp(types.TypeMaterialReceipt))
			require.Error(t, err)
			assert.Equal(t, tt.want, Classify(err))
		})
	}
}

func TestHTTPBackendConflictCarriesMessage(t *testing.T) {
	b := newMockedBackend(t)
	httpmock.RegisterResponder(http.MethodPost, baseURL+"/api/equipment-usage",
		httpmock.NewStringResponder(409, `{"success":false,"message":"usage overlaps"}`))

	_, err := New(b).Submit(context.Background(), newOp(types.TypeEquipmentUsage))

	var se *SubmitError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 409, se.StatusCode)
	assert.Equal(t, "usage overlaps", se.Message)
}

func TestHTTPBackendTruncatesLongMessageOnRuneBoundary(t *testing.T) {
	b := newMockedBackend(t)
	body := strings.Repeat("倉", 100) // 300 位元組，非 JSON
	httpmock.RegisterResponder(http.MethodPost, baseURL+"/api/material-receipts",
		httpmock.NewStringResponder(500, body))

	_, err := New(b).Submit(context.Background(), newOp(types.TypeMaterialReceipt))

	var se *SubmitError
	require.ErrorAs(t, err, &se)
	assert.True(t, utf8.ValidString(se.Message))
	assert.Equal(t, strings.Repeat("倉", 66), se.Message)
	assert.True(t, utf8.ValidString(err.Error()))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 200))
	assert.Equal(t, "abc", truncate("abcdef", 3))
	assert.Equal(t, "a", truncate("a倉", 3))
	assert.Equal(t, "", truncate("倉", 2))
}

func TestHTTPBackendTransportErrorIsRetryable(t *testing.T) {
	b := newMockedBackend(t)
	httpmock.RegisterResponder(http.MethodPost, baseURL+"/api/work-records",
		httpmock.NewErrorResponder(errors.New("dial tcp: connection refused")))

	_, err := New(b).Submit(context.Background(), newOp(types.TypeWorkRecord))
	assert.Equal(t, types.FailureRetryable, Classify(err))
}

func TestHTTPBackendTimeoutIsRetryable(t *testing.T) {
	b := newMockedBackend(t)
	httpmock.RegisterResponder(http.MethodPost, baseURL+"/api/processing-records",
		func(req *http.Request) (*http.Response, error) {
			<-req.Context().Done()
			return nil, req.Context().Err()
		})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := New(b).Submit(ctx, newOp(types.TypeProcessingRecord))
	require.Error(t, err)
	assert.Equal(t, types.FailureRetryable, Classify(err))
}

func TestHTTPBackendMissingPath(t *testing.T) {
	b := newMockedBackend(t)
	delete(b.Paths, types.TypeClockIn)

	_, err := New(b).Submit(context.Background(), newOp(types.TypeClockIn))
	assert.ErrorIs(t, err, ErrUnknownOperationType)
	assert.Equal(t, 0, httpmock.GetTotalCallCount())
}
