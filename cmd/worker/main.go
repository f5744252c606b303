package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/imrishuroy/storefront-orderflow/internal/bootstrap"
	"github.com/imrishuroy/storefront-orderflow/internal/notify"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	infra, err := bootstrap.Load(ctx)
	if err != nil {
		log.Fatalf("failed to init worker: %v", err)
	}
	defer infra.Close()
	logger := infra.Logger

	// without redis there is no api instance to reach; the hub only logs drops
	notifier := infra.Notifier(notify.NewHub(logger))
	processor, resolver, err := infra.Processor(notifier)
	if err != nil {
		logger.Fatal("failed to build processor", zap.Error(err))
	}
	defer resolver.Wait()
	consumer := infra.Consumer(processor)

	if !infra.Config.RunLocal {
		lambda.Start(consumer.HandleEvent)
		return
	}

	// Local testing helper: handle one simulated event from LOCAL_SQS_BODY
	if body := os.Getenv("LOCAL_SQS_BODY"); body != "" {
		event := events.SQSEvent{Records: []events.SQSMessage{{MessageId: "local-1", Body: body}}}
		resp, err := consumer.HandleEvent(ctx, event)
		if err != nil {
			logger.Fatal("local handler error", zap.Error(err))
		}
		logger.Info("local event handled", zap.Int("failures", len(resp.BatchItemFailures)))
		return
	}

	logger.Info("polling orders queue", zap.String("queue_url", infra.Config.OrdersQueueURL))
	if err := consumer.Run(ctx); err != nil {
		logger.Error("consumer stopped", zap.Error(err))
	}
}
