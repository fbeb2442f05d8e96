package healthserver

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hansallis/apple-home-key-reader/pkg/logger"
	"github.com/hansallis/apple-home-key-reader/pkg/model"
	"github.com/hansallis/apple-home-key-reader/pkg/trace"
)

type fakeStatus struct{ configured bool }

func (f fakeStatus) ReaderConfigured() bool { return f.configured }

func testLog(t *testing.T) *logger.Log {
	t.Helper()
	log, err := logger.New("healthserver-test", "", false)
	require.NoError(t, err)
	return log
}

func testTracer(t *testing.T) *trace.Tracer {
	t.Helper()
	tracer, err := trace.New(context.Background(), &model.Cfg{}, testLog(t), "healthserver-test")
	require.NoError(t, err)
	return tracer
}

func TestHealthEndpointReportsReaderConfigured(t *testing.T) {
	svc, err := New(context.Background(), "127.0.0.1:0", false, fakeStatus{configured: true}, testTracer(t), testLog(t))
	require.NoError(t, err)
	defer svc.Close(context.Background())

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	svc.gin.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)

	var status Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "ok", status.Status)
	assert.True(t, status.ReaderConfigured)
}

func TestHealthEndpointReportsReaderNotConfigured(t *testing.T) {
	svc, err := New(context.Background(), "127.0.0.1:0", false, fakeStatus{configured: false}, testTracer(t), testLog(t))
	require.NoError(t, err)
	defer svc.Close(context.Background())

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	svc.gin.ServeHTTP(rec, req)

	var status Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.ReaderConfigured)
}

func TestUnknownRouteReportsProblem404(t *testing.T) {
	svc, err := New(context.Background(), "127.0.0.1:0", false, fakeStatus{}, testTracer(t), testLog(t))
	require.NoError(t, err)
	defer svc.Close(context.Background())

	req := httptest.NewRequest("GET", "/nope", nil)
	rec := httptest.NewRecorder()
	svc.gin.ServeHTTP(rec, req)

	assert.Equal(t, 404, rec.Code)
}

func TestCloseShutsDownServer(t *testing.T) {
	svc, err := New(context.Background(), "127.0.0.1:0", false, fakeStatus{}, testTracer(t), testLog(t))
	require.NoError(t, err)
	assert.NoError(t, svc.Close(context.Background()))
}
