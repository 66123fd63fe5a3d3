package kafka

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"acta/internal/audit"
)

type fakeProducer struct {
	mu      sync.Mutex
	records []*kgo.Record
	err     error
}

func (f *fakeProducer) Produce(_ context.Context, r *kgo.Record, promise func(*kgo.Record, error)) {
	f.mu.Lock()
	f.records = append(f.records, r)
	f.mu.Unlock()
	if promise != nil {
		promise(r, f.err)
	}
}

func (f *fakeProducer) produced() []*kgo.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*kgo.Record(nil), f.records...)
}

var _ audit.Sink = (*Sink)(nil)

func TestSinkRoutesRecordsToTopics(t *testing.T) {
	fake := &fakeProducer{}
	sink := newSink(fake)

	sink.RequestLogged(&audit.RequestRecord{ID: uuid.New(), CorrelationID: "corr-1"})
	sink.HandlerLogged(&audit.HandlerRecord{ID: uuid.New(), CorrelationID: "corr-1", HandlerName: "RenameProduct"})
	sink.EntityChanged(&audit.EntityChangeRecord{ID: uuid.New(), CorrelationID: "corr-1", EntityType: "Product"})

	records := fake.produced()
	require.Len(t, records, 3)
	assert.Equal(t, DefaultRequestTopic, records[0].Topic)
	assert.Equal(t, DefaultHandlerTopic, records[1].Topic)
	assert.Equal(t, DefaultChangeTopic, records[2].Topic)
}

func TestSinkKeysByCorrelationID(t *testing.T) {
	fake := &fakeProducer{}
	sink := newSink(fake)

	sink.HandlerLogged(&audit.HandlerRecord{
		ID:            uuid.New(),
		CorrelationID: "corr-9",
		HandlerName:   "CreateOrder",
		Kind:          audit.KindCreate,
		StartTime:     time.Now().UTC(),
		Success:       true,
	})

	records := fake.produced()
	require.Len(t, records, 1)
	assert.Equal(t, "corr-9", string(records[0].Key))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(records[0].Value, &decoded))
	assert.Equal(t, "CreateOrder", decoded["HandlerName"])
}

func TestSinkTopicOverrides(t *testing.T) {
	fake := &fakeProducer{}
	sink := newSink(fake, WithTopics("req", "", "chg"))

	sink.RequestLogged(&audit.RequestRecord{ID: uuid.New(), CorrelationID: "c"})
	sink.HandlerLogged(&audit.HandlerRecord{ID: uuid.New(), CorrelationID: "c"})
	sink.EntityChanged(&audit.EntityChangeRecord{ID: uuid.New(), CorrelationID: "c"})

	records := fake.produced()
	require.Len(t, records, 3)
	assert.Equal(t, "req", records[0].Topic)
	assert.Equal(t, DefaultHandlerTopic, records[1].Topic)
	assert.Equal(t, "chg", records[2].Topic)
}

func TestSinkSurvivesProduceFailure(t *testing.T) {
	fake := &fakeProducer{err: assert.AnError}
	sink := newSink(fake)

	require.NotPanics(t, func() {
		sink.EntityChanged(&audit.EntityChangeRecord{ID: uuid.New(), CorrelationID: "c", EntityType: "Product"})
	})
	assert.Len(t, fake.produced(), 1)
}
