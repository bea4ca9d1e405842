package mqtt

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqttLib "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"obd-capture/common"
)

// MockMQTTClient для тестирования
type MockMQTTClient struct {
	mock.Mock
}

func (m *MockMQTTClient) Connect() mqttLib.Token {
	args := m.Called()
	return args.Get(0).(mqttLib.Token)
}

func (m *MockMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqttLib.Token {
	args := m.Called(topic, qos, retained, payload)
	return args.Get(0).(mqttLib.Token)
}

func (m *MockMQTTClient) Subscribe(topic string, qos byte, callback mqttLib.MessageHandler) mqttLib.Token {
	args := m.Called(topic, qos, callback)
	return args.Get(0).(mqttLib.Token)
}

func (m *MockMQTTClient) SubscribeMultiple(filters map[string]byte, callback mqttLib.MessageHandler) mqttLib.Token {
	args := m.Called(filters, callback)
	return args.Get(0).(mqttLib.Token)
}

func (m *MockMQTTClient) Unsubscribe(topics ...string) mqttLib.Token {
	args := m.Called(topics)
	return args.Get(0).(mqttLib.Token)
}

func (m *MockMQTTClient) AddRoute(topic string, callback mqttLib.MessageHandler) {
	m.Called(topic, callback)
}

func (m *MockMQTTClient) IsConnected() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockMQTTClient) IsConnectionOpen() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockMQTTClient) Disconnect(quiesce uint) {
	m.Called(quiesce)
}

func (m *MockMQTTClient) OptionsReader() mqttLib.ClientOptionsReader {
	args := m.Called()
	return args.Get(0).(mqttLib.ClientOptionsReader)
}

type mockToken struct {
	mock.Mock
}

func (m *mockToken) Wait() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *mockToken) WaitTimeout(timeout time.Duration) bool {
	args := m.Called(timeout)
	return args.Bool(0)
}

func (m *mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (m *mockToken) Error() error {
	args := m.Called()
	return args.Error(0)
}

// Mock Message для MQTT
type mockMQTTMessage struct {
	topic   string
	payload []byte
}

func (m *mockMQTTMessage) Duplicate() bool   { return false }
func (m *mockMQTTMessage) Qos() byte         { return 1 }
func (m *mockMQTTMessage) Retained() bool    { return false }
func (m *mockMQTTMessage) Topic() string     { return m.topic }
func (m *mockMQTTMessage) MessageID() uint16 { return 1 }
func (m *mockMQTTMessage) Payload() []byte   { return m.payload }
func (m *mockMQTTMessage) Ack()              {}

func okToken() *mockToken {
	token := new(mockToken)
	token.On("Wait").Return(true)
	token.On("Error").Return(nil)
	return token
}

func testSnapshot() common.Snapshot {
	return common.Snapshot{
		Timestamp: time.Date(2024, 5, 1, 9, 5, 7, 0, time.UTC),
		Readings: []common.Reading{
			{Position: 13, ShortName: "rpm", Name: "Engine RPM", Value: 1674.0, Raw: "1A2B"},
			{Position: 14, ShortName: "speed", Name: "Vehicle Speed", Value: 55.9, Unit: "MPH", Raw: "5A"},
		},
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.NotEmpty(t, config.Broker)
	assert.NotEmpty(t, config.DataTopic)
	assert.NotEmpty(t, config.CommandTopic)
	assert.LessOrEqual(t, config.QoS, byte(2))
}

func TestGenerateClientID(t *testing.T) {
	id1 := generateClientID()
	id2 := generateClientID()

	assert.NotEqual(t, id1, id2)
	assert.Len(t, id1, len("obd-capture-")+8)
}

func TestNewClientGeneratesClientID(t *testing.T) {
	client := NewClient(DefaultConfig())
	assert.NotEmpty(t, client.config.ClientID)
	assert.False(t, client.IsConnected())
}

func TestPublishSnapshot(t *testing.T) {
	mockClient := new(MockMQTTClient)
	mockClient.On("IsConnected").Return(true)
	mockClient.On("Publish", "car/telemetry/snapshot", byte(1), false, mock.MatchedBy(func(payload []byte) bool {
		var snapshot common.Snapshot
		return json.Unmarshal(payload, &snapshot) == nil && len(snapshot.Readings) == 2
	})).Return(okToken())

	client := NewClient(DefaultConfig())
	client.mqttClient = mockClient

	require.NoError(t, client.PublishSnapshot(testSnapshot()))
	mockClient.AssertNumberOfCalls(t, "Publish", 1)
}

func TestPublishSnapshotPerSensorTopics(t *testing.T) {
	mockClient := new(MockMQTTClient)
	mockClient.On("IsConnected").Return(true)
	mockClient.On("Publish", mock.Anything, byte(1), false, mock.Anything).Return(okToken())

	config := DefaultConfig()
	config.PerSensorTopics = true
	client := NewClient(config)
	client.mqttClient = mockClient

	require.NoError(t, client.PublishSnapshot(testSnapshot()))
	mockClient.AssertCalled(t, "Publish", "car/telemetry/snapshot", byte(1), false, mock.Anything)
	mockClient.AssertCalled(t, "Publish", "car/telemetry/rpm", byte(1), false, mock.Anything)
	mockClient.AssertCalled(t, "Publish", "car/telemetry/speed", byte(1), false, mock.Anything)
}

func TestPublishSnapshotError(t *testing.T) {
	token := new(mockToken)
	token.On("Wait").Return(true)
	token.On("Error").Return(errors.New("not authorized"))

	mockClient := new(MockMQTTClient)
	mockClient.On("IsConnected").Return(true)
	mockClient.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(token)

	client := NewClient(DefaultConfig())
	client.mqttClient = mockClient

	assert.ErrorContains(t, client.PublishSnapshot(testSnapshot()), "not authorized")
}

func TestPublishSnapshotNotConnected(t *testing.T) {
	mockClient := new(MockMQTTClient)
	mockClient.On("IsConnected").Return(false)

	client := NewClient(DefaultConfig())
	client.mqttClient = mockClient

	assert.Error(t, client.PublishSnapshot(testSnapshot()))
	mockClient.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestOnCommandReceived(t *testing.T) {
	client := NewClient(DefaultConfig())
	msg := &mockMQTTMessage{
		topic:   "car/command",
		payload: []byte(`{"command":"stop","correlation_id":"test-123"}`),
	}

	client.onCommandReceived(nil, msg)

	select {
	case cmd := <-client.Commands():
		assert.Equal(t, "stop", cmd.Command)
		assert.Equal(t, "test-123", cmd.CorrelationID)
	default:
		t.Fatal("Expected command to be delivered")
	}
}

func TestOnCommandReceivedInvalidJSON(t *testing.T) {
	client := NewClient(DefaultConfig())
	client.onCommandReceived(nil, &mockMQTTMessage{topic: "car/command", payload: []byte("stop")})

	assert.Len(t, client.Commands(), 0)
}

func TestEnqueueDoesNotBlockWhenFull(t *testing.T) {
	client := NewClient(DefaultConfig())
	for i := 0; i < cap(client.snapshots)+5; i++ {
		client.Enqueue(testSnapshot())
	}
	assert.Len(t, client.snapshots, cap(client.snapshots))
}

func TestStartAndStop(t *testing.T) {
	mockClient := new(MockMQTTClient)
	mockClient.On("Connect").Return(okToken())
	mockClient.On("IsConnected").Return(true)
	mockClient.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(okToken())
	mockClient.On("Disconnect", uint(1000)).Return()

	client := NewClient(DefaultConfig())
	client.mqttClient = mockClient

	require.NoError(t, client.Start())
	client.Enqueue(testSnapshot())

	assert.Eventually(t, func() bool {
		return len(client.snapshots) == 0
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, client.Stop())
	require.NoError(t, client.Stop())
	mockClient.AssertCalled(t, "Disconnect", uint(1000))
}
