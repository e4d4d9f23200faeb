// Package stream turns DynamoDB Streams events from the document table into
// document change notifications.
package stream

import (
	"context"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/jacentio/trove/store"
)

// Kind is the type of a document change.
type Kind string

const (
	Upserted Kind = "upserted"
	Removed  Kind = "removed"
)

// Change is one document change read from the stream. For Removed changes
// Document holds the last image if the stream carries it, otherwise only the
// key attributes are set.
type Change struct {
	Kind     Kind
	EventID  string
	Document *store.Document
}

// Sink receives decoded changes. An error aborts the batch so the Lambda
// runtime redelivers it.
type Sink interface {
	Apply(ctx context.Context, change Change) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, change Change) error

func (f SinkFunc) Apply(ctx context.Context, change Change) error {
	return f(ctx, change)
}

// Handler processes DynamoDB stream events for the document table.
type Handler struct {
	sink   Sink
	logger *zap.Logger
}

// NewHandler creates a new stream handler.
func NewHandler(sink Sink, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		sink:   sink,
		logger: logger.With(zap.String("component", "stream")),
	}
}

// HandleChanges decodes every record and hands it to the sink in order.
// This function is designed to be used as an AWS Lambda handler.
func (h *Handler) HandleChanges(ctx context.Context, event events.DynamoDBEvent) error {
	for _, record := range event.Records {
		change, ok, err := decodeRecord(record)
		if err != nil {
			h.logger.Error("failed to decode record",
				zap.String("eventID", record.EventID),
				zap.Error(err),
			)
			return fmt.Errorf("decode record %s: %w", record.EventID, err)
		}
		if !ok {
			continue
		}
		if err := h.sink.Apply(ctx, change); err != nil {
			h.logger.Error("failed to apply change",
				zap.String("eventID", record.EventID),
				zap.String("id", change.Document.ID),
				zap.Error(err),
			)
			return err
		}
		h.logger.Debug("change applied",
			zap.String("kind", string(change.Kind)),
			zap.String("id", change.Document.ID),
		)
	}
	return nil
}

// decodeRecord reports ok=false for records that carry no usable image.
func decodeRecord(record events.DynamoDBEventRecord) (Change, bool, error) {
	change := Change{EventID: record.EventID}

	var image map[string]events.DynamoDBAttributeValue
	switch record.EventName {
	case "INSERT", "MODIFY":
		change.Kind = Upserted
		image = record.Change.NewImage
	case "REMOVE":
		change.Kind = Removed
		image = record.Change.OldImage
		if len(image) == 0 {
			image = record.Change.Keys
		}
	default:
		return Change{}, false, nil
	}
	if len(image) == 0 {
		return Change{}, false, nil
	}

	item, err := ConvertImage(image)
	if err != nil {
		return Change{}, false, err
	}
	doc, err := store.DecodeItem(item)
	if err != nil {
		return Change{}, false, err
	}
	change.Document = doc
	return change, true, nil
}

// ConvertImage converts a DynamoDB stream image to SDK attribute values.
func ConvertImage(image map[string]events.DynamoDBAttributeValue) (map[string]types.AttributeValue, error) {
	result := make(map[string]types.AttributeValue, len(image))
	for k, v := range image {
		av, err := convertValue(v)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", k, err)
		}
		result[k] = av
	}
	return result, nil
}

func convertValue(v events.DynamoDBAttributeValue) (types.AttributeValue, error) {
	switch v.DataType() {
	case events.DataTypeString:
		return &types.AttributeValueMemberS{Value: v.String()}, nil
	case events.DataTypeNumber:
		return &types.AttributeValueMemberN{Value: v.Number()}, nil
	case events.DataTypeBinary:
		return &types.AttributeValueMemberB{Value: v.Binary()}, nil
	case events.DataTypeBoolean:
		return &types.AttributeValueMemberBOOL{Value: v.Boolean()}, nil
	case events.DataTypeNull:
		return &types.AttributeValueMemberNULL{Value: true}, nil
	case events.DataTypeStringSet:
		return &types.AttributeValueMemberSS{Value: v.StringSet()}, nil
	case events.DataTypeNumberSet:
		return &types.AttributeValueMemberNS{Value: v.NumberSet()}, nil
	case events.DataTypeBinarySet:
		return &types.AttributeValueMemberBS{Value: v.BinarySet()}, nil
	case events.DataTypeList:
		list := v.List()
		out := make([]types.AttributeValue, len(list))
		for i, item := range list {
			av, err := convertValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = av
		}
		return &types.AttributeValueMemberL{Value: out}, nil
	case events.DataTypeMap:
		m, err := ConvertImage(v.Map())
		if err != nil {
			return nil, err
		}
		return &types.AttributeValueMemberM{Value: m}, nil
	default:
		return nil, fmt.Errorf("unsupported data type %v", v.DataType())
	}
}
