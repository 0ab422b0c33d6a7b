package rabbitmq

import (
	"context"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"roomctl/internal/core/domain"
)

func TestDecodeFault(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    domain.Fault
		ok      bool
		wantErr bool
	}{
		{
			name: "node exit",
			body: `{"reason":"abnormal","message":{"purpose":"video","type":"node","id":"video-3"}}`,
			want: domain.Fault{Purpose: domain.PurposeVideo, Scope: domain.FaultScopeNode, ID: "video-3"},
			ok:   true,
		},
		{
			name: "worker quit",
			body: `{"reason":"quit","message":{"purpose":"audio","type":"worker","id":"audio-agent"}}`,
			want: domain.Fault{Purpose: domain.PurposeAudio, Scope: domain.FaultScopeWorker, ID: "audio-agent"},
			ok:   true,
		},
		{name: "normal exit", body: `{"reason":"normal","message":{"purpose":"video","type":"node","id":"v"}}`},
		{name: "unknown scope", body: `{"reason":"error","message":{"purpose":"video","type":"cluster","id":"v"}}`},
		{name: "missing id", body: `{"reason":"error","message":{"purpose":"video","type":"node"}}`},
		{name: "garbage", body: `{`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := decodeFault([]byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFaultConsumer_Run(t *testing.T) {
	first, second := newFakeChannel(), newFakeChannel()
	faults := make(chan domain.Fault, 4)
	consumer := NewFaultConsumer(openerOf(first, second), "owtMonitoring", func(_ context.Context, f domain.Fault) {
		faults <- f
	}, zaptest.NewLogger(t))
	consumer.retry = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	first.deliveries <- amqp.Delivery{Body: []byte(`not json`)}
	first.deliveries <- amqp.Delivery{Body: []byte(`{"reason":"abnormal","message":{"purpose":"video","type":"node","id":"video-3"}}`)}
	select {
	case f := <-faults:
		assert.Equal(t, "video-3", f.ID)
	case <-time.After(time.Second):
		t.Fatal("fault not delivered")
	}

	first.Close()
	second.deliveries <- amqp.Delivery{Body: []byte(`{"reason":"error","message":{"purpose":"audio","type":"worker","id":"audio-agent"}}`)}
	select {
	case f := <-faults:
		assert.Equal(t, domain.FaultScopeWorker, f.Scope)
	case <-time.After(time.Second):
		t.Fatal("fault not delivered after resubscribe")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	second.mu.Lock()
	defer second.mu.Unlock()
	assert.Equal(t, []string{"owtMonitoring/" + FaultBindingKey}, second.bindings)
	assert.Equal(t, "topic", second.exchanges["owtMonitoring"])
}
