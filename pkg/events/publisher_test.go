package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingConn struct {
	subject string
	data    []byte
	err     error
}

func (c *recordingConn) Publish(subject string, data []byte) error {
	c.subject = subject
	c.data = data
	return c.err
}

func TestPublishEncodesEvent(t *testing.T) {
	conn := &recordingConn{}
	pub := NewPublisher(conn, "bbss.imports", nil)

	err := pub.Publish(context.Background(), Event{Type: TypeImportCommitted, ImportID: 6, Payload: map[string]interface{}{"succeeded": 3}})
	require.NoError(t, err)
	assert.Equal(t, "bbss.imports", conn.subject)

	var decoded Event
	require.NoError(t, json.Unmarshal(conn.data, &decoded))
	assert.Equal(t, TypeImportCommitted, decoded.Type)
	assert.EqualValues(t, 6, decoded.ImportID)
	assert.False(t, decoded.SentAt.IsZero())
}

func TestPublishWrapsFailure(t *testing.T) {
	conn := &recordingConn{err: errors.New("no responders")}
	pub := NewPublisher(conn, "bbss.imports", nil)

	err := pub.Publish(context.Background(), Event{Type: TypeStudentsPurged})
	assert.ErrorContains(t, err, "no responders")
}

func TestDisabledPublisherDropsEvents(t *testing.T) {
	pub, err := Connect("", "bbss.imports", nil)
	require.NoError(t, err)
	assert.False(t, pub.Enabled())
	assert.NoError(t, pub.Publish(context.Background(), Event{Type: TypeImportCommitted}))

	var nilPub *Publisher
	assert.NoError(t, nilPub.Publish(context.Background(), Event{Type: TypeImportCommitted}))
	nilPub.Close()
}
