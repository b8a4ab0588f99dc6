package arrow

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/VanDung-dev/voidnet/network"
)

// EdgeSchema describes one confirmed link of the network map.
var EdgeSchema = arrow.NewSchema([]arrow.Field{
	{Name: "source", Type: arrow.BinaryTypes.String},
	{Name: "target", Type: arrow.BinaryTypes.String},
}, nil)

// EventSchema describes one topology message.
var EventSchema = arrow.NewSchema([]arrow.Field{
	{Name: "sender", Type: arrow.BinaryTypes.String},
	{Name: "sequence", Type: arrow.PrimitiveTypes.Int64},
	{Name: "type", Type: arrow.BinaryTypes.String},
	{Name: "data", Type: arrow.BinaryTypes.String},
}, nil)

// Codec converts topology snapshots to and from Arrow IPC streams.
type Codec struct {
	allocator memory.Allocator
}

// NewCodec creates a codec using the default allocator.
func NewCodec() *Codec {
	return &Codec{
		allocator: memory.DefaultAllocator,
	}
}

// EdgesRecord builds a record with one row per edge. The caller releases it.
func (c *Codec) EdgesRecord(edges []network.Edge) arrow.Record {
	b := array.NewRecordBuilder(c.allocator, EdgeSchema)
	defer b.Release()

	source := b.Field(0).(*array.StringBuilder)
	target := b.Field(1).(*array.StringBuilder)
	for _, e := range edges {
		source.Append(e.A)
		target.Append(e.B)
	}

	return b.NewRecord()
}

// EventsRecord builds a record with one row per topology message. The caller
// releases it.
func (c *Codec) EventsRecord(events []network.Message) arrow.Record {
	b := array.NewRecordBuilder(c.allocator, EventSchema)
	defer b.Release()

	sender := b.Field(0).(*array.StringBuilder)
	sequence := b.Field(1).(*array.Int64Builder)
	msgType := b.Field(2).(*array.StringBuilder)
	data := b.Field(3).(*array.StringBuilder)
	for _, msg := range events {
		sender.Append(msg.Sender)
		sequence.Append(msg.Sequence)
		msgType.Append(msg.Type)
		data.Append(string(msg.Data))
	}

	return b.NewRecord()
}

// EncodeEdges serializes edges to an IPC stream.
func (c *Codec) EncodeEdges(edges []network.Edge) ([]byte, error) {
	record := c.EdgesRecord(edges)
	defer record.Release()
	return c.serialize(record)
}

// EncodeEvents serializes topology messages to an IPC stream.
func (c *Codec) EncodeEvents(events []network.Message) ([]byte, error) {
	record := c.EventsRecord(events)
	defer record.Release()
	return c.serialize(record)
}

// DecodeEdges reads edges back from an IPC stream written by EncodeEdges.
func (c *Codec) DecodeEdges(data []byte) ([]network.Edge, error) {
	var edges []network.Edge
	err := c.deserialize(data, EdgeSchema, func(record arrow.Record) {
		source := record.Column(0).(*array.String)
		target := record.Column(1).(*array.String)
		for i := 0; i < int(record.NumRows()); i++ {
			edges = append(edges, network.Edge{A: source.Value(i), B: target.Value(i)})
		}
	})
	return edges, err
}

// DecodeEvents reads topology messages back from an IPC stream written by
// EncodeEvents.
func (c *Codec) DecodeEvents(data []byte) ([]network.Message, error) {
	var events []network.Message
	err := c.deserialize(data, EventSchema, func(record arrow.Record) {
		sender := record.Column(0).(*array.String)
		sequence := record.Column(1).(*array.Int64)
		msgType := record.Column(2).(*array.String)
		payload := record.Column(3).(*array.String)
		for i := 0; i < int(record.NumRows()); i++ {
			events = append(events, network.Message{
				Sender:   sender.Value(i),
				Sequence: sequence.Value(i),
				Type:     msgType.Value(i),
				Data:     json.RawMessage(payload.Value(i)),
			})
		}
	})
	return events, err
}

func (c *Codec) serialize(record arrow.Record) ([]byte, error) {
	var buf bytes.Buffer

	writer := ipc.NewWriter(&buf, ipc.WithSchema(record.Schema()), ipc.WithAllocator(c.allocator))
	defer writer.Close()

	if err := writer.Write(record); err != nil {
		return nil, fmt.Errorf("failed to write record: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close writer: %w", err)
	}

	return buf.Bytes(), nil
}

func (c *Codec) deserialize(data []byte, schema *arrow.Schema, visit func(arrow.Record)) error {
	reader, err := ipc.NewReader(bytes.NewReader(data), ipc.WithAllocator(c.allocator))
	if err != nil {
		return fmt.Errorf("failed to create reader: %w", err)
	}
	defer reader.Release()

	if !reader.Schema().Equal(schema) {
		return fmt.Errorf("unexpected schema: %s", reader.Schema())
	}

	for reader.Next() {
		visit(reader.Record())
	}

	return reader.Err()
}
