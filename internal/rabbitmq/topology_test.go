package rabbitmq

import (
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockQueueChannel struct {
	mock.Mock
}

func (m *mockQueueChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	mockArgs := m.Called(name, durable, autoDelete, exclusive)
	return mockArgs.Get(0).(amqp.Queue), mockArgs.Error(1)
}

func (m *mockQueueChannel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	mockArgs := m.Called(name)
	return mockArgs.Get(0).(amqp.Queue), mockArgs.Error(1)
}

func TestDeclareReplyQueue(t *testing.T) {
	t.Run("temporary queue is server named", func(t *testing.T) {
		ch := &mockQueueChannel{}
		ch.On("QueueDeclare", "", false, true, true).Return(amqp.Queue{Name: "amq.gen-abc"}, nil)

		q, err := DeclareReplyQueue(ch, TemporaryReplyQueue())
		require.NoError(t, err)
		assert.Equal(t, "amq.gen-abc", q.Name)
		ch.AssertExpectations(t)
	})

	t.Run("existing queue is checked passively", func(t *testing.T) {
		ch := &mockQueueChannel{}
		ch.On("QueueDeclarePassive", "replies").Return(amqp.Queue{Name: "replies", Consumers: 1}, nil)

		q, err := DeclareReplyQueue(ch, ExistingReplyQueue("replies"))
		require.NoError(t, err)
		assert.Equal(t, 1, q.Consumers)
		ch.AssertNotCalled(t, "QueueDeclare", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("passive without name", func(t *testing.T) {
		_, err := DeclareReplyQueue(&mockQueueChannel{}, ReplyQueueDeclaration{Passive: true})
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("declare failure", func(t *testing.T) {
		ch := &mockQueueChannel{}
		ch.On("QueueDeclarePassive", "missing").Return(amqp.Queue{}, errors.New("NOT_FOUND"))

		_, err := DeclareReplyQueue(ch, ExistingReplyQueue("missing"))
		var chanErr *ChannelError
		require.ErrorAs(t, err, &chanErr)
		assert.Contains(t, chanErr.Op, `"missing"`)
	})
}
