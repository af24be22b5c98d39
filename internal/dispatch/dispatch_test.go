package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvaroprs8/vitascience/internal/aws"
	"github.com/alvaroprs8/vitascience/internal/config"
)

func analysisEnvelope() Envelope {
	return Envelope{
		Kind:          KindAnalysis,
		CorrelationID: "c1",
		Payload:       json.RawMessage(`{"input":"hello","correlationId":"c1","callbackUrl":"https://app/cb"}`),
	}
}

func TestHTTPDispatcher_PostsPayloadWithHeaders(t *testing.T) {
	var (
		gotHeaders http.Header
		gotBody    string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(HTTPConfig{
		URLs:   map[Kind]string{KindAnalysis: srv.URL},
		Auth:   "Bearer token",
		Secret: "s3cret",
	})
	require.NoError(t, d.Dispatch(context.Background(), analysisEnvelope()))

	assert.JSONEq(t, `{"input":"hello","correlationId":"c1","callbackUrl":"https://app/cb"}`, gotBody)
	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
	assert.Equal(t, "Bearer token", gotHeaders.Get("Authorization"))
	assert.Equal(t, "s3cret", gotHeaders.Get("X-Callback-Secret"))
	assert.Equal(t, "c1", gotHeaders.Get("X-Correlation-Id"))
}

func TestHTTPDispatcher_OmitsOptionalHeaders(t *testing.T) {
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(HTTPConfig{URLs: map[Kind]string{KindAnalysis: srv.URL}})
	require.NoError(t, d.Dispatch(context.Background(), analysisEnvelope()))
	assert.Empty(t, gotHeaders.Get("Authorization"))
	assert.Empty(t, gotHeaders.Get("X-Callback-Secret"))
}

func TestHTTPDispatcher_Non2xx(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{"json error field", http.StatusBadGateway, `{"error":"workflow inactive"}`, "workflow inactive"},
		{"json message field", http.StatusNotFound, `{"message":"webhook not registered"}`, "webhook not registered"},
		{"plain text", http.StatusInternalServerError, "  boom  ", "boom"},
		{"empty", http.StatusServiceUnavailable, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			d := NewHTTPDispatcher(HTTPConfig{URLs: map[Kind]string{KindAnalysis: srv.URL}})
			err := d.Dispatch(context.Background(), analysisEnvelope())

			var se *StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.status, se.Code)
			assert.Equal(t, tt.wantMsg, se.Message)
		})
	}
}

func TestHTTPDispatcher_LongErrorBodyIsTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(strings.Repeat("x", 10000)))
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(HTTPConfig{URLs: map[Kind]string{KindAnalysis: srv.URL}})
	err := d.Dispatch(context.Background(), analysisEnvelope())
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Len(t, se.Message, maxErrorBody)
}

func TestHTTPDispatcher_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	d := NewHTTPDispatcher(HTTPConfig{URLs: map[Kind]string{KindAnalysis: url}})
	err := d.Dispatch(context.Background(), analysisEnvelope())
	require.Error(t, err)
	var se *StatusError
	assert.False(t, errors.As(err, &se))
}

func TestHTTPDispatcher_UnknownKind(t *testing.T) {
	d := NewHTTPDispatcher(HTTPConfig{URLs: map[Kind]string{KindAnalysis: "http://worker"}})
	env := analysisEnvelope()
	env.Kind = KindChat
	assert.Error(t, d.Dispatch(context.Background(), env))
}

type mockSQS struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (m *mockSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.inputs = append(m.inputs, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func TestSQSDispatcher_EnqueuesEnvelope(t *testing.T) {
	mock := &mockSQS{}
	d := NewSQSDispatcher(aws.NewPublisher(mock, "https://sqs/queue"))

	require.NoError(t, d.Dispatch(context.Background(), analysisEnvelope()))
	require.Len(t, mock.inputs, 1)

	env, err := DecodeEnvelope([]byte(*mock.inputs[0].MessageBody))
	require.NoError(t, err)
	assert.Equal(t, "c1", env.CorrelationID)
	assert.Equal(t, KindAnalysis, env.Kind)
	assert.Equal(t, "analysis", *mock.inputs[0].MessageAttributes["kind"].StringValue)
}

func TestSQSDispatcher_SendFailure(t *testing.T) {
	boom := errors.New("queue gone")
	d := NewSQSDispatcher(aws.NewPublisher(&mockSQS{err: boom}, "q"))
	assert.ErrorIs(t, d.Dispatch(context.Background(), analysisEnvelope()), boom)
}

func TestDecodeEnvelope_Rejects(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"kind":"nope","correlationId":"c","payload":{}}`))
	assert.Error(t, err)
	_, err = DecodeEnvelope([]byte(`{"kind":"chat","payload":{}}`))
	assert.Error(t, err)
	_, err = DecodeEnvelope([]byte(`{"kind":"chat","correlationId":"c"}`))
	assert.Error(t, err)
	_, err = DecodeEnvelope([]byte(`garbage`))
	assert.Error(t, err)
}

func TestPublishing(t *testing.T) {
	env := analysisEnvelope()
	p := Publishing(env, []byte("{}"))
	assert.Equal(t, amqp.Persistent, p.DeliveryMode)
	assert.Equal(t, "c1", p.MessageId)
	assert.Equal(t, "analysis", p.Type)
	assert.Equal(t, "jobs.retry", RetryQueue("jobs"))
	assert.Equal(t, "jobs.dlq", DeadLetterQueue("jobs"))
}

func TestWorkerConfig(t *testing.T) {
	cfg := &config.Config{
		CallbackSecret:   "s3cret",
		WorkerURL:        "http://worker.test/analysis",
		WorkerChatURL:    "http://worker.test/chat",
		WorkerAuth:       "Bearer abc",
		WorkerEchoSecret: true,
	}

	hc := WorkerConfig(cfg)
	assert.Equal(t, "s3cret", hc.Secret)
	assert.Equal(t, "Bearer abc", hc.Auth)
	assert.Equal(t, map[Kind]string{
		KindAnalysis: "http://worker.test/analysis",
		KindChat:     "http://worker.test/chat",
	}, hc.URLs)

	cfg.WorkerEchoSecret = false
	assert.Empty(t, WorkerConfig(cfg).Secret)
}
