package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"

	"example.com/ticketry/services/ledger/config"
	"example.com/ticketry/services/ledger/internal/models"
)

// Publisher forwards committed ledger records to downstream consumers.
type Publisher interface {
	PublishRecord(ctx context.Context, record models.LedgerRecord) error
	Close() error
}

// serviceBusPublisher implements Publisher over an Azure Service Bus queue.
type serviceBusPublisher struct {
	client    *azservicebus.Client
	sender    *azservicebus.Sender
	queueName string
}

// NewServiceBusPublisher creates a new Azure Service Bus publisher
func NewServiceBusPublisher(cfg config.AzureConfig) (Publisher, error) {
	if cfg.QueueConnStr == "" {
		return nil, fmt.Errorf("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus client: %w", err)
	}

	sender, err := client.NewSender(cfg.QueueName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus sender: %w", err)
	}

	return &serviceBusPublisher{
		client:    client,
		sender:    sender,
		queueName: cfg.QueueName,
	}, nil
}

// PublishRecord sends one ledger record to the queue
func (p *serviceBusPublisher) PublishRecord(ctx context.Context, record models.LedgerRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger record: %w", err)
	}

	msg := &azservicebus.Message{
		Body:      data,
		MessageID: stringPtr(record.ID.String()),
		ApplicationProperties: map[string]interface{}{
			"operation": record.Operation,
			"seq":       record.Seq,
			"time":      time.Now().UTC().Format(time.RFC3339),
		},
	}

	return p.sender.SendMessage(ctx, msg, nil)
}

// Close closes the Service Bus publisher
func (p *serviceBusPublisher) Close() error {
	if p.sender != nil {
		if err := p.sender.Close(context.Background()); err != nil {
			return err
		}
	}
	if p.client != nil {
		return p.client.Close(context.Background())
	}
	return nil
}

func stringPtr(s string) *string {
	return &s
}
