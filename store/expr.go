package store

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// VersionMatchesCondition returns the condition guarding a compare-and-swap
// write. The write's own new version also matches, so an attempt that is
// retried after a lost acknowledgement does not conflict with itself.
// Requires ExpressionAttributeNames {"#version": "version"} and
// ExpressionAttributeValues {":expected_version": ..., ":new_version": ...}.
func VersionMatchesCondition() string {
	return "(#version = :expected_version OR #version = :new_version)"
}

// DocumentExistsCondition returns the condition guarding a delete.
// Requires ExpressionAttributeNames {"#id": "id"}.
func DocumentExistsCondition() string {
	return "attribute_exists(#id)"
}

// getInput builds a strongly consistent partition query filtered by type.
// No Limit is set: it applies before the filter and could hide a match.
func getInput(partitionKey, docType string) *dynamodb.QueryInput {
	return &dynamodb.QueryInput{
		KeyConditionExpression: aws.String("#pk = :pk"),
		FilterExpression:       aws.String("#type = :type"),
		ExpressionAttributeNames: map[string]string{
			"#pk":   AttrPartitionKey,
			"#type": AttrType,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   &types.AttributeValueMemberS{Value: partitionKey},
			":type": &types.AttributeValueMemberS{Value: docType},
		},
		ConsistentRead: aws.Bool(true),
	}
}

// queryInput builds a partition query filtered by type and by equality on
// each filter field. Fields are sorted so placeholders are deterministic.
func queryInput(partitionKey, docType string, filter map[string]any) (*dynamodb.QueryInput, error) {
	names := map[string]string{
		"#pk":   AttrPartitionKey,
		"#type": AttrType,
	}
	values := map[string]types.AttributeValue{
		":pk":   &types.AttributeValueMemberS{Value: partitionKey},
		":type": &types.AttributeValueMemberS{Value: docType},
	}
	clauses := []string{"#type = :type"}

	fields := make([]string, 0, len(filter))
	for field := range filter {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for i, field := range fields {
		switch {
		case field == "":
			return nil, fmt.Errorf("%w: filter field name is empty", ErrInvalidInput)
		case field == AttrPartitionKey || field == AttrID:
			return nil, fmt.Errorf("%w: cannot filter on key attribute %q", ErrInvalidInput, field)
		}
		av, err := attributevalue.Marshal(filter[field])
		if err != nil {
			return nil, fmt.Errorf("%w: marshal filter %q: %w", ErrInvalidInput, field, err)
		}
		name, value := fmt.Sprintf("#f%d", i), fmt.Sprintf(":f%d", i)
		names[name] = field
		values[value] = av
		clauses = append(clauses, name+" = "+value)
	}

	return &dynamodb.QueryInput{
		KeyConditionExpression:    aws.String("#pk = :pk"),
		FilterExpression:          aws.String(strings.Join(clauses, " AND ")),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	}, nil
}
