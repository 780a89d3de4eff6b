package scanreg

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// requestRecorder captures align requests through testify's mock.
type requestRecorder struct {
	mock.Mock
}

func (r *requestRecorder) Handle(req AlignRequest) {
	r.Called(req)
}

func clearMQTTEnv(t *testing.T) {
	for _, k := range []string{"MQTT_BROKER", "MQTT_CLIENT_ID", "MQTT_USERNAME", "MQTT_PASSWORD", "MQTT_PUBLISH_PREFIX"} {
		t.Setenv(k, "")
	}
}

func TestInitMQTT_Disabled(t *testing.T) {
	clearMQTTEnv(t)
	client, err := InitMQTT(MQTTConfig{}, func(AlignRequest) {})
	assert.NoError(t, err)
	assert.Nil(t, client)
}

func TestResolveMQTTConfig(t *testing.T) {
	clearMQTTEnv(t)
	cfg := ResolveMQTTConfig(MQTTConfig{Broker: "tcp://config:1883", Username: "cfg"})
	assert.Equal(t, "tcp://config:1883", cfg.Broker)
	assert.Equal(t, "scanreg", cfg.ClientID)
	assert.Equal(t, "scanreg", cfg.PublishPrefix)
	assert.Equal(t, "scanreg/align/set", cfg.CommandTopic())

	t.Setenv("MQTT_BROKER", "tcp://env:1883")
	t.Setenv("MQTT_PUBLISH_PREFIX", "site/")
	cfg = ResolveMQTTConfig(MQTTConfig{Broker: "tcp://config:1883", Username: "cfg"})
	assert.Equal(t, "tcp://env:1883", cfg.Broker)
	assert.Equal(t, "cfg", cfg.Username)
	assert.Equal(t, "site/align/set", cfg.CommandTopic())
}

func TestMQTTClient_IsConnected(t *testing.T) {
	client := &MQTTClient{}
	assert.False(t, client.IsConnected(), "New client should not be connected")
	client.setConnected(true)
	assert.True(t, client.IsConnected())
	client.setConnected(false)
	assert.False(t, client.IsConnected())
}

func TestOnConnect_SubscribesCommandTopic(t *testing.T) {
	clearMQTTEnv(t)
	mockClient := NewMockClient()
	rec := &requestRecorder{}
	client := newMQTTClientWithMock(mockClient, MQTTConfig{PublishPrefix: "lab"}, rec.Handle)
	mockClient.SetOnConnect(client.onConnect)

	mockClient.Connect()
	assert.True(t, client.IsConnected())

	mockClient.mu.RLock()
	_, ok := mockClient.messageHandlers["lab/align/set"]
	mockClient.mu.RUnlock()
	assert.True(t, ok, "expected subscription to lab/align/set")
}

func TestOnConnect_SubscribeError(t *testing.T) {
	clearMQTTEnv(t)
	mockClient := NewMockClient()
	mockClient.SetConnected(true)
	mockClient.SetSubscribeError(errors.New("denied"))
	client := newMQTTClientWithMock(mockClient, MQTTConfig{}, nil)

	client.onConnect(mockClient)
	mockClient.mu.RLock()
	assert.Empty(t, mockClient.messageHandlers)
	mockClient.mu.RUnlock()
}

func TestHandleCommand_Payloads(t *testing.T) {
	clearMQTTEnv(t)
	tests := []struct {
		name    string
		payload string
		want    AlignRequest
	}{
		{"json with partner", `{"scan":"b","partner":"a"}`, AlignRequest{Scan: "b", Partner: "a"}},
		{"json empty", `{}`, AlignRequest{}},
		{"bare name", "  hall \n", AlignRequest{Scan: "hall"}},
		{"all", "all", AlignRequest{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockClient := NewMockClient()
			rec := &requestRecorder{}
			rec.On("Handle", tt.want).Once()

			client := newMQTTClientWithMock(mockClient, MQTTConfig{}, rec.Handle)
			mockClient.SetOnConnect(client.onConnect)
			mockClient.Connect()
			mockClient.SimulateMessage("scanreg/align/set", []byte(tt.payload))

			rec.AssertExpectations(t)
		})
	}
}

func TestHandleCommand_NilHandler(t *testing.T) {
	clearMQTTEnv(t)
	mockClient := NewMockClient()
	client := newMQTTClientWithMock(mockClient, MQTTConfig{}, nil)
	mockClient.SetOnConnect(client.onConnect)
	mockClient.Connect()

	assert.NotPanics(t, func() {
		mockClient.SimulateMessage("scanreg/align/set", []byte("a"))
	})
}

func TestMQTTClient_ConcurrentAccess(t *testing.T) {
	client := &MQTTClient{}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(v bool) {
			defer wg.Done()
			client.setConnected(v)
		}(i%2 == 0)
		go func() {
			defer wg.Done()
			_ = client.IsConnected()
		}()
	}
	wg.Wait()
}

func TestMQTTDisconnect(t *testing.T) {
	clearMQTTEnv(t)
	mockClient := NewMockClient()
	client := newMQTTClientWithMock(mockClient, MQTTConfig{Broker: "tcp://x:1883"}, nil)
	mockClient.SetOnConnect(client.onConnect)
	mockClient.Connect()
	require.True(t, client.IsConnected())

	client.Disconnect()
	assert.False(t, client.IsConnected())
	assert.False(t, mockClient.IsConnected())
	assert.Same(t, mockClient, client.GetClient())
	assert.Equal(t, "tcp://x:1883", client.Config().Broker)
	assert.Equal(t, "mqtt(tcp://x:1883 as scanreg)", client.String())
}
