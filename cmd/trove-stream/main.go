// Command trove-stream is an AWS Lambda function subscribed to the document
// table's stream. It writes one structured log line per document change.
package main

import (
	"context"

	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/jacentio/trove/stream"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	h := stream.NewHandler(logSink(logger), logger)
	lambda.Start(h.HandleChanges)
}

// logSink records each change as an audit log entry.
func logSink(logger *zap.Logger) stream.Sink {
	return stream.SinkFunc(func(_ context.Context, c stream.Change) error {
		logger.Info("document changed",
			zap.String("kind", string(c.Kind)),
			zap.String("eventID", c.EventID),
			zap.String("partitionKey", c.Document.PartitionKey),
			zap.String("id", c.Document.ID),
			zap.String("type", c.Document.Type),
			zap.String("version", c.Document.Version),
		)
		return nil
	})
}
