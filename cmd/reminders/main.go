package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/parseltonguedev/EquilibriumLife/handler"
	"github.com/parseltonguedev/EquilibriumLife/internal/integrations/paramstore"
	"github.com/parseltonguedev/EquilibriumLife/internal/integrations/telegram"
	"github.com/parseltonguedev/EquilibriumLife/internal/repository"
	"github.com/parseltonguedev/EquilibriumLife/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	store, err := repository.New(awsdynamodb.NewFromConfig(cfg), stateTable)
	if err != nil {
		slog.Error("failed to create store", "err", err)
		os.Exit(1)
	}
	telegramClient, err := telegram.NewClient(ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create Telegram client", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	scheduler, err := usecase.NewScheduler(store, telegramClient)
	if err != nil {
		slog.Error("failed to create reminder scheduler", "err", err)
		os.Exit(1)
	}
	h, err := handler.NewReminders(scheduler)
	if err != nil {
		slog.Error("failed to create reminders handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}
