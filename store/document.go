package store

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/jacentio/trove/internal/conn"
)

// Attribute names managed by the store. Payloads may not use them.
const (
	AttrID           = conn.AttrID
	AttrPartitionKey = conn.AttrPartitionKey
	AttrType         = "type"
	AttrVersion      = "version"
	AttrUpdatedAt    = "updated_at"
)

var reservedAttrs = map[string]bool{
	AttrID:           true,
	AttrPartitionKey: true,
	AttrType:         true,
	AttrVersion:      true,
	AttrUpdatedAt:    true,
}

// Document is a stored record. Payload holds every attribute that is not
// managed by the store. Numbers decode as float64.
type Document struct {
	ID           string         `json:"id"`
	PartitionKey string         `json:"partitionKey"`
	Type         string         `json:"type"`
	Version      string         `json:"version"`
	UpdatedAt    string         `json:"updatedAt"`
	Payload      map[string]any `json:"payload"`
}

// DocumentID returns the deterministic id of the document for
// (partitionKey, docType).
func DocumentID(partitionKey, docType string) string {
	return partitionKey + "-" + docType
}

// IsReserved reports whether name is a store-managed attribute.
func IsReserved(name string) bool {
	return reservedAttrs[name]
}

func validateKey(partitionKey, docType string) error {
	if partitionKey == "" {
		return fmt.Errorf("%w: partition key is required", ErrInvalidInput)
	}
	if docType == "" {
		return fmt.Errorf("%w: document type is required", ErrInvalidInput)
	}
	return nil
}

func validatePayload(payload map[string]any) error {
	for name := range payload {
		if name == "" {
			return fmt.Errorf("%w: payload field name is empty", ErrInvalidInput)
		}
		if reservedAttrs[name] {
			return fmt.Errorf("%w: payload field %q is reserved", ErrInvalidInput, name)
		}
	}
	return nil
}

// newDocument builds the document written for (partitionKey, docType) with a
// fresh version token.
func newDocument(partitionKey, docType string, payload map[string]any, now time.Time) (*Document, error) {
	if err := validateKey(partitionKey, docType); err != nil {
		return nil, err
	}
	if err := validatePayload(payload); err != nil {
		return nil, err
	}
	return &Document{
		ID:           DocumentID(partitionKey, docType),
		PartitionKey: partitionKey,
		Type:         docType,
		Version:      uuid.NewString(),
		UpdatedAt:    now.UTC().Format(time.RFC3339),
		Payload:      payload,
	}, nil
}

// encodeItem merges the payload with the managed attributes.
func encodeItem(doc *Document) (map[string]types.AttributeValue, error) {
	item := make(map[string]types.AttributeValue, len(doc.Payload)+len(reservedAttrs))
	if len(doc.Payload) > 0 {
		payload, err := attributevalue.MarshalMap(doc.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: marshal payload: %w", ErrInvalidInput, err)
		}
		for k, v := range payload {
			item[k] = v
		}
	}
	item[AttrID] = &types.AttributeValueMemberS{Value: doc.ID}
	item[AttrPartitionKey] = &types.AttributeValueMemberS{Value: doc.PartitionKey}
	item[AttrType] = &types.AttributeValueMemberS{Value: doc.Type}
	item[AttrVersion] = &types.AttributeValueMemberS{Value: doc.Version}
	item[AttrUpdatedAt] = &types.AttributeValueMemberS{Value: doc.UpdatedAt}
	return item, nil
}

// DecodeItem converts a raw table item into a Document.
func DecodeItem(item map[string]types.AttributeValue) (*Document, error) {
	doc := &Document{Payload: make(map[string]any)}
	rest := make(map[string]types.AttributeValue, len(item))
	for name, av := range item {
		var dst *string
		switch name {
		case AttrID:
			dst = &doc.ID
		case AttrPartitionKey:
			dst = &doc.PartitionKey
		case AttrType:
			dst = &doc.Type
		case AttrVersion:
			dst = &doc.Version
		case AttrUpdatedAt:
			dst = &doc.UpdatedAt
		default:
			rest[name] = av
			continue
		}
		if err := attributevalue.Unmarshal(av, dst); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
	}
	if len(rest) > 0 {
		if err := attributevalue.UnmarshalMap(rest, &doc.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	return doc, nil
}
