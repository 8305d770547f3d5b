package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pixl/internal/broker"
	"pixl/internal/config"
	"pixl/internal/constants"
	"pixl/internal/export"
	"pixl/internal/logger"
	"pixl/internal/omop"
	"pixl/internal/project"
	"pixl/internal/secrets"
	"pixl/pkg/models"
)

func loadConfig() (*config.Config, logger.Logger, error) {
	if configFile == "" {
		return nil, nil, configError(fmt.Errorf("config file is required (use --config or CONFIG_FILE)"))
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, configError(err)
	}
	log, err := logger.New(cfg.Logging.Level)
	if err != nil {
		return nil, nil, configError(err)
	}
	return cfg, log, nil
}

func populateCmd() *cobra.Command {
	var priority int
	cmd := &cobra.Command{
		Use:   "populate <path>",
		Short: "Enqueue extract messages from an OMOP parquet directory or a CSV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			if priority < models.PriorityMin || priority > models.PriorityMax {
				return configError(fmt.Errorf("priority %d outside [%d, %d]",
					priority, models.PriorityMin, models.PriorityMax))
			}

			path := args[0]
			info, err := os.Stat(path)
			if err != nil {
				return runtimeError(err)
			}

			var requests []models.ExtractRequest
			if info.IsDir() {
				requests, err = omop.MessagesFromParquet(path, priority)
			} else if strings.EqualFold(filepath.Ext(path), ".csv") {
				requests, err = omop.MessagesFromCSV(path, priority)
			} else {
				return configError(fmt.Errorf("input must be a parquet directory or a .csv file"))
			}
			if err != nil {
				return runtimeError(err)
			}

			producer, err := broker.NewRabbitProducer(cfg.Broker, log)
			if err != nil {
				return runtimeError(err)
			}
			defer producer.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			for _, req := range requests {
				if err := producer.Publish(ctx, constants.QueuePrimary, req); err != nil {
					return runtimeError(err)
				}
			}
			fmt.Printf("Published %d messages to %s\n", len(requests), constants.QueuePrimary)
			return printQueueDepths(producer)
		},
	}
	cmd.Flags().IntVar(&priority, "priority", models.PriorityMin, "Message priority (1=lowest, 5=highest)")
	return cmd
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Resume queue consumption",
		RunE: func(cmd *cobra.Command, args []string) error {
			return postControl("/consume/start")
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Drain: finish in-flight messages and stop fetching new ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return postControl("/consume/stop")
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [project-slug...]",
		Short: "Print queue depths and per-project export counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 10 * time.Second}

			resp, err := client.Get(apiURL + "/queues")
			if err != nil {
				return runtimeError(err)
			}
			defer resp.Body.Close()
			var depths map[string]int
			if err := json.NewDecoder(resp.Body).Decode(&depths); err != nil {
				return runtimeError(err)
			}
			for queue, depth := range depths {
				fmt.Printf("%-20s %d\n", queue, depth)
			}

			for _, slug := range args {
				countsResp, err := client.Get(apiURL + "/projects/" + slug + "/counts")
				if err != nil {
					return runtimeError(err)
				}
				var counts map[string]int
				err = json.NewDecoder(countsResp.Body).Decode(&counts)
				countsResp.Body.Close()
				if err != nil {
					return runtimeError(err)
				}
				fmt.Printf("%s: pending=%d anonymised=%d exported=%d failed=%d\n",
					slug, counts["pending"], counts["anonymised"], counts["exported"], counts["failed"])
			}
			return nil
		},
	}
}

func exportPatientDataCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export-patient-data <path>",
		Short: "Upload an OMOP extract's public parquet tree to the project's parquet destination",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			dir := args[0]
			summary, err := omop.ReadSummary(dir)
			if err != nil {
				return runtimeError(err)
			}

			registry, err := project.NewRegistry(cfg.Projects.Dir, log)
			if err != nil {
				return configError(err)
			}
			projectCfg, err := registry.Get(summary.ProjectSlug())
			if err != nil {
				return configError(err)
			}

			resolver, err := buildResolver(cfg)
			if err != nil {
				return configError(err)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			router := export.NewRouter(resolver, log)
			receipt, err := router.ExportTabular(ctx, projectCfg, export.TabularExtract{
				ProjectSlug:     projectCfg.Slug,
				ExtractDatetime: summary.Datetime,
				LocalRoot:       filepath.Join(dir, "public"),
			})
			if err != nil {
				return runtimeError(err)
			}
			fmt.Printf("Uploaded %d bytes to %s\n", receipt.Bytes, receipt.Location)
			return nil
		},
	}
}

func buildResolver(cfg *config.Config) (secrets.Resolver, error) {
	var resolver secrets.Resolver
	var err error
	switch cfg.Secrets.Backend {
	case "local":
		resolver, err = secrets.NewLocalDir(cfg.Secrets.LocalDir)
	default:
		resolver, err = secrets.NewKeyVault(cfg.Secrets.VaultURL)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Secrets.SaltOverride != "" {
		resolver = &secrets.StaticSalt{Resolver: resolver, Salt: []byte(cfg.Secrets.SaltOverride)}
	}
	return resolver, nil
}

func postControl(path string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(apiURL+path, "application/json", nil)
	if err != nil {
		return runtimeError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return runtimeError(fmt.Errorf("imaging service returned status %d", resp.StatusCode))
	}
	fmt.Println("OK")
	return nil
}

func printQueueDepths(inspector broker.Inspector) error {
	for _, queue := range []string{constants.QueuePrimary, constants.QueueSecondary, constants.QueueDeadLetter} {
		depth, err := inspector.MessageCount(queue)
		if err != nil {
			return runtimeError(err)
		}
		fmt.Printf("%-20s %d\n", queue, depth)
	}
	return nil
}
