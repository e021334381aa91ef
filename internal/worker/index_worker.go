package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"datacuration/internal/index"
	"datacuration/internal/platform/rabbitmq"
)

type jobHandler interface {
	Handle(ctx context.Context, job index.Job) error
}

// IndexWorker consumes index jobs from RabbitMQ and applies them one at a
// time, in queue order.
type IndexWorker struct {
	conn      *amqp.Connection
	handler   jobHandler
	queueName string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewIndexWorker(conn *amqp.Connection, handler jobHandler, queueName string) *IndexWorker {
	return &IndexWorker{
		conn:      conn,
		handler:   handler,
		queueName: queueName,
	}
}

func (w *IndexWorker) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	ch, err := w.conn.Channel()
	if err != nil {
		cancel()
		return fmt.Errorf("open worker channel failed: %w", err)
	}

	if err := rabbitmq.DeclareQueue(ch, w.queueName); err != nil {
		_ = ch.Close()
		cancel()
		return err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("set worker qos failed: %w", err)
	}

	deliveries, err := ch.Consume(
		w.queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ch.Close()

		for {
			select {
			case <-workerCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				w.process(workerCtx, d)
			}
		}
	}()

	return nil
}

func (w *IndexWorker) process(ctx context.Context, d amqp.Delivery) {
	var job index.Job
	if err := json.Unmarshal(d.Body, &job); err != nil {
		log.Printf("worker decode index job failed: %v", err)
		_ = d.Nack(false, false)
		return
	}

	if err := w.handler.Handle(ctx, job); err != nil {
		// one redelivery, then drop; the tracker already failed the dataset
		_ = d.Nack(false, !d.Redelivered)
		return
	}

	_ = d.Ack(false)
}

func (w *IndexWorker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
